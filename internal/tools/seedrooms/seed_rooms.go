package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/studyhive/studyhive/internal/dbconfig"
)

// seedRoom is a demo room pre-created for local development.
type seedRoom struct {
	Code      string
	Name      string
	CreatorID string
}

var demoRooms = []seedRoom{
	{Code: "FOCUS1", Name: "Deep Work Lounge", CreatorID: "demo-user-1"},
	{Code: "STUDY2", Name: "Evening Study Hall", CreatorID: "demo-user-2"},
	{Code: "EXAMS3", Name: "Finals Crunch", CreatorID: "demo-user-3"},
}

func main() {
	cfg := dbconfig.NewConfigFromEnv()
	pool, err := pgxpool.New(context.Background(), cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	inserted := 0
	for _, r := range demoRooms {
		tag, err := pool.Exec(ctx, `
			INSERT INTO study_rooms (code, name, creator_id, timer_state, mode, time_remaining)
			VALUES ($1, $2, $3, 'idle', 'pomodoro', 1500)
			ON CONFLICT (code) DO NOTHING`,
			r.Code, r.Name, r.CreatorID,
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "seed room %s: %v\n", r.Code, err)
			os.Exit(1)
		}
		inserted += int(tag.RowsAffected())
	}

	fmt.Printf("Seeded %d demo rooms (%d already present)\n", inserted, len(demoRooms)-inserted)
}
