package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/evoladder/evoladder/internal/config"
	"github.com/evoladder/evoladder/internal/data"
	"github.com/evoladder/evoladder/internal/leaderboard"
	"github.com/evoladder/evoladder/internal/model"
	"github.com/evoladder/evoladder/internal/sqlstore"
)

var (
	lbCountry  string
	lbRace     string
	lbRank     string
	lbBestOnly bool
	lbPage     int
)

var leaderboardCmd = &cobra.Command{
	Use:   "leaderboard",
	Short: "Print the current ladder standings",
	Args:  cobra.NoArgs,
	RunE:  runLeaderboard,
}

func init() {
	leaderboardCmd.Flags().StringVar(&lbCountry, "country", "", "filter by ISO country code")
	leaderboardCmd.Flags().StringVar(&lbRace, "race", "", "filter by race code")
	leaderboardCmd.Flags().StringVar(&lbRank, "rank", "", "filter by rank tier (S..F, U)")
	leaderboardCmd.Flags().BoolVar(&lbBestOnly, "best", false, "one row per player (best race)")
	leaderboardCmd.Flags().IntVar(&lbPage, "page", 1, "result page")
}

// openStore brings up a read-mostly data layer for the one-shot CLI
// queries.
func openStore() (*data.Store, func(), error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, nil, fmt.Errorf("configuration: %w", err)
	}
	db, err := sqlstore.Open(cfg.DatabaseType, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database: %w", err)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store, err := data.New(db, cfg.FailedWritesLog, log)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("data layer: %w", err)
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store.Close(ctx)
		db.Close()
	}
	return store, cleanup, nil
}

func runLeaderboard(cmd *cobra.Command, args []string) error {
	store, cleanup, err := openStore()
	if err != nil {
		return err
	}
	defer cleanup()

	engine := leaderboard.New(store, slog.New(slog.DiscardHandler))
	f := leaderboard.Filters{
		Country:      lbCountry,
		BestRaceOnly: lbBestOnly,
	}
	if lbRace != "" {
		race := model.Race(lbRace)
		if !race.Valid() {
			return fmt.Errorf("unknown race %q", lbRace)
		}
		f.Races = []model.Race{race}
	}
	if lbRank != "" {
		f.Rank = model.Tier(lbRank)
	}

	page := engine.Query(f, lbPage, 40)
	if len(page.Rows) == 0 {
		fmt.Fprintln(os.Stdout, "No ranked players match the filters.")
		return nil
	}

	t := tablewriter.NewTable(os.Stdout, tablewriter.WithConfig(tablewriter.Config{
		Row:    tw.CellConfig{Alignment: tw.CellAlignment{Global: tw.AlignRight}},
		Header: tw.CellConfig{Alignment: tw.CellAlignment{Global: tw.AlignCenter}},
	}))
	t.Header("RANK", "TIER", "NAME", "RACE", "MMR", "W", "L", "D", "COUNTRY")
	for _, r := range page.Rows {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("#%d", r.PlayerID)
		}
		country := r.Country
		if model.CountryPrivate[country] {
			country = "-"
		}
		t.Append(
			fmt.Sprintf("%d", r.Rank),
			string(r.Tier),
			name,
			string(r.Race),
			fmt.Sprintf("%d", r.MMR),
			fmt.Sprintf("%d", r.Wins),
			fmt.Sprintf("%d", r.Losses),
			fmt.Sprintf("%d", r.Draws),
			country,
		)
	}
	t.Render()

	fmt.Fprintf(os.Stdout, "\nPage %d/%d (%d rows)\n", page.Page, page.TotalPages, page.TotalRows)
	return nil
}
