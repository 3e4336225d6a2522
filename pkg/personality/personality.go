// Package personality holds the fixed table of coach personalities.
package personality

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknown is returned for a key outside the table.
var ErrUnknown = errors.New("unknown personality")

const (
	BestFriend        = "best-friend"
	ProfessionalCoach = "professional-coach"
	ToughLove         = "tough-love"
)

// Profile describes one coach persona used to configure a remote agent.
type Profile struct {
	Key          string  `json:"key"`
	DisplayName  string  `json:"displayName"`
	Tagline      string  `json:"tagline"`
	Instructions string  `json:"-"`
	Temperature  float64 `json:"temperature"`
}

const sharedRules = `You help the user track what they eat and how their weight changes.
Use the log_meal tool whenever the user describes food they ate, log_weight when they report a weigh-in,
lookup_nutrition to estimate calories and macros, and get_daily_summary when they ask how their day is going.
Never invent numbers a tool already returned. Keep replies short enough to read on a phone.`

var table = []Profile{
	{
		Key:         BestFriend,
		DisplayName: "Best Friend",
		Tagline:     "Warm, upbeat and always on your side.",
		Instructions: `You are the user's supportive best friend who happens to know a lot about nutrition.
Celebrate small wins, never shame, and use a casual, friendly tone with the occasional emoji.
` + sharedRules,
		Temperature: 0.9,
	},
	{
		Key:         ProfessionalCoach,
		DisplayName: "Professional Coach",
		Tagline:     "Evidence-based guidance, clear and calm.",
		Instructions: `You are a certified nutrition coach. Be precise, structured and encouraging.
Explain the reasoning behind suggestions in one or two sentences and prefer concrete numbers.
` + sharedRules,
		Temperature: 0.5,
	},
	{
		Key:         ToughLove,
		DisplayName: "Tough Love",
		Tagline:     "Direct, no excuses, results first.",
		Instructions: `You are a blunt drill-sergeant style coach. Call out excuses directly but stay respectful,
and always end with one specific action the user should take next.
` + sharedRules,
		Temperature: 0.7,
	},
}

// All returns the personalities in display order.
func All() []Profile {
	out := make([]Profile, len(table))
	copy(out, table)
	return out
}

// Lookup returns the personality for key.
func Lookup(key string) (Profile, error) {
	normalized := strings.ToLower(strings.TrimSpace(key))
	for _, p := range table {
		if p.Key == normalized {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("%w: %q", ErrUnknown, key)
}

// Valid reports whether key names a personality.
func Valid(key string) bool {
	_, err := Lookup(key)
	return err == nil
}

// AgentName is the remote agent name used for a personality.
func (p Profile) AgentName() string {
	return "platepal-" + p.Key
}

// SwitchNotice is the system message recorded when a conversation moves to p.
func (p Profile) SwitchNotice() string {
	return fmt.Sprintf("Coach personality changed to %s.", p.DisplayName)
}
