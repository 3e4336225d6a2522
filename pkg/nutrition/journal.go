package nutrition

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/harun/platepal/internal/database"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Meal is one logged meal.
type Meal struct {
	ID          string    `json:"id"`
	UserID      string    `json:"-"`
	Description string    `json:"description"`
	MealType    string    `json:"mealType,omitempty"`
	Calories    float64   `json:"calories"`
	ProteinG    float64   `json:"proteinG"`
	CarbsG      float64   `json:"carbsG"`
	FatG        float64   `json:"fatG"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	LoggedAt    time.Time `json:"loggedAt"`
}

// WeightEntry is one weigh-in, always stored in kilograms.
type WeightEntry struct {
	ID       string    `json:"id"`
	UserID   string    `json:"-"`
	WeightKg float64   `json:"weightKg"`
	LoggedAt time.Time `json:"loggedAt"`
}

// DailySummary totals one calendar day (UTC).
type DailySummary struct {
	Date           string   `json:"date"`
	Meals          int      `json:"meals"`
	Calories       float64  `json:"calories"`
	ProteinG       float64  `json:"proteinG"`
	CarbsG         float64  `json:"carbsG"`
	FatG           float64  `json:"fatG"`
	LatestWeightKg *float64 `json:"latestWeightKg,omitempty"`
}

// Journal is the meal and weight log.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// NewJournal creates the meals and weights tables if needed. The caller owns db.
func NewJournal(db *sql.DB) (*Journal, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	err := database.Migrate(db,
		`CREATE TABLE IF NOT EXISTS meals (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			description TEXT NOT NULL,
			meal_type TEXT NOT NULL DEFAULT '',
			calories REAL NOT NULL DEFAULT 0,
			protein_g REAL NOT NULL DEFAULT 0,
			carbs_g REAL NOT NULL DEFAULT 0,
			fat_g REAL NOT NULL DEFAULT 0,
			image_url TEXT NOT NULL DEFAULT '',
			logged_day TEXT NOT NULL,
			logged_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_meals_user_day ON meals(user_id, logged_day)`,
		`CREATE TABLE IF NOT EXISTS weights (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			weight_kg REAL NOT NULL,
			logged_day TEXT NOT NULL,
			logged_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_weights_user_day ON weights(user_id, logged_day)`,
	)
	if err != nil {
		return nil, err
	}
	return &Journal{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func day(t time.Time) string { return t.UTC().Format("2006-01-02") }

// AddMeal stores m, filling in id and time.
func (j *Journal) AddMeal(ctx context.Context, m Meal) (Meal, error) {
	if m.UserID == "" {
		return Meal{}, errors.New("user id is required")
	}
	id, err := gonanoid.New()
	if err != nil {
		return Meal{}, fmt.Errorf("failed to generate meal id: %w", err)
	}
	m.ID = "meal_" + id
	if m.LoggedAt.IsZero() {
		m.LoggedAt = j.now()
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO meals (id, user_id, description, meal_type, calories, protein_g, carbs_g, fat_g, image_url, logged_day, logged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.Description, m.MealType, m.Calories, m.ProteinG, m.CarbsG, m.FatG, m.ImageURL, day(m.LoggedAt), m.LoggedAt)
	if err != nil {
		return Meal{}, fmt.Errorf("failed to log meal: %w", err)
	}
	return m, nil
}

// AddWeight stores a weigh-in.
func (j *Journal) AddWeight(ctx context.Context, w WeightEntry) (WeightEntry, error) {
	if w.UserID == "" {
		return WeightEntry{}, errors.New("user id is required")
	}
	id, err := gonanoid.New()
	if err != nil {
		return WeightEntry{}, fmt.Errorf("failed to generate weight id: %w", err)
	}
	w.ID = "wt_" + id
	if w.LoggedAt.IsZero() {
		w.LoggedAt = j.now()
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO weights (id, user_id, weight_kg, logged_day, logged_at) VALUES (?, ?, ?, ?, ?)`,
		w.ID, w.UserID, w.WeightKg, day(w.LoggedAt), w.LoggedAt)
	if err != nil {
		return WeightEntry{}, fmt.Errorf("failed to log weight: %w", err)
	}
	return w, nil
}

// Summary totals the meals of date (YYYY-MM-DD) and reports the latest
// weigh-in on or before that day.
func (j *Journal) Summary(ctx context.Context, userID, date string) (DailySummary, error) {
	if date == "" {
		date = day(j.now())
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return DailySummary{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", date)
	}

	s := DailySummary{Date: date}
	err := j.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(calories), 0), COALESCE(SUM(protein_g), 0),
		       COALESCE(SUM(carbs_g), 0), COALESCE(SUM(fat_g), 0)
		FROM meals WHERE user_id = ? AND logged_day = ?`, userID, date).
		Scan(&s.Meals, &s.Calories, &s.ProteinG, &s.CarbsG, &s.FatG)
	if err != nil {
		return DailySummary{}, fmt.Errorf("failed to summarize meals: %w", err)
	}

	var weight float64
	err = j.db.QueryRowContext(ctx, `
		SELECT weight_kg FROM weights WHERE user_id = ? AND logged_day <= ?
		ORDER BY logged_at DESC LIMIT 1`, userID, date).Scan(&weight)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return DailySummary{}, fmt.Errorf("failed to load latest weight: %w", err)
	default:
		s.LatestWeightKg = &weight
	}
	return s, nil
}

// DeleteUser removes every meal and weigh-in of userID.
func (j *Journal) DeleteUser(ctx context.Context, userID string) error {
	for _, table := range []string{"meals", "weights"} {
		if _, err := j.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE user_id = ?", userID); err != nil {
			return fmt.Errorf("failed to delete %s: %w", table, err)
		}
	}
	return nil
}
