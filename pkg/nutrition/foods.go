package nutrition

import (
	"sort"
	"strings"
)

// Facts are the macros of one typical serving.
type Facts struct {
	Food     string  `json:"food"`
	Serving  string  `json:"serving"`
	Calories float64 `json:"calories"`
	ProteinG float64 `json:"proteinG"`
	CarbsG   float64 `json:"carbsG"`
	FatG     float64 `json:"fatG"`
}

var foods = map[string]Facts{
	"apple":          {Serving: "1 medium", Calories: 95, ProteinG: 0.5, CarbsG: 25, FatG: 0.3},
	"avocado":        {Serving: "1/2 fruit", Calories: 160, ProteinG: 2, CarbsG: 8.5, FatG: 14.7},
	"banana":         {Serving: "1 medium", Calories: 105, ProteinG: 1.3, CarbsG: 27, FatG: 0.4},
	"broccoli":       {Serving: "1 cup", Calories: 31, ProteinG: 2.5, CarbsG: 6, FatG: 0.3},
	"brown rice":     {Serving: "1 cup cooked", Calories: 216, ProteinG: 5, CarbsG: 45, FatG: 1.8},
	"chicken breast": {Serving: "100 g cooked", Calories: 165, ProteinG: 31, CarbsG: 0, FatG: 3.6},
	"egg":            {Serving: "1 large", Calories: 72, ProteinG: 6.3, CarbsG: 0.4, FatG: 4.8},
	"greek yogurt":   {Serving: "170 g plain nonfat", Calories: 100, ProteinG: 17, CarbsG: 6, FatG: 0.7},
	"milk":           {Serving: "1 cup 2%", Calories: 122, ProteinG: 8, CarbsG: 12, FatG: 4.8},
	"oatmeal":        {Serving: "1 cup cooked", Calories: 154, ProteinG: 5.4, CarbsG: 27, FatG: 2.6},
	"peanut butter":  {Serving: "2 tbsp", Calories: 188, ProteinG: 8, CarbsG: 6, FatG: 16},
	"salmon":         {Serving: "100 g cooked", Calories: 206, ProteinG: 22, CarbsG: 0, FatG: 12},
	"toast":          {Serving: "1 slice whole wheat", Calories: 80, ProteinG: 4, CarbsG: 14, FatG: 1},
	"white rice":     {Serving: "1 cup cooked", Calories: 205, ProteinG: 4.3, CarbsG: 45, FatG: 0.4},
}

var aliases = map[string]string{
	"apples":        "apple",
	"bananas":       "banana",
	"bread":         "toast",
	"chicken":       "chicken breast",
	"eggs":          "egg",
	"oats":          "oatmeal",
	"porridge":      "oatmeal",
	"rice":          "white rice",
	"salmon fillet": "salmon",
	"yoghurt":       "greek yogurt",
	"yogurt":        "greek yogurt",
}

// Lookup returns the serving facts of food. Matching ignores case,
// surrounding space and a trailing plural s.
func Lookup(food string) (Facts, bool) {
	key := strings.ToLower(strings.Join(strings.Fields(food), " "))
	if alias, ok := aliases[key]; ok {
		key = alias
	}
	facts, ok := foods[key]
	if !ok && strings.HasSuffix(key, "s") {
		key = strings.TrimSuffix(key, "s")
		facts, ok = foods[key]
	}
	if !ok {
		return Facts{}, false
	}
	facts.Food = key
	return facts, true
}

// Foods lists the known food names.
func Foods() []string {
	names := make([]string, 0, len(foods))
	for name := range foods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
