package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/evoladder/evoladder/internal/model"
)

var profileCmd = &cobra.Command{
	Use:   "profile <player-id>",
	Short: "Show a player's profile, ratings, and recent profile changes",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfile,
}

func runProfile(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid player id %q", args[0])
	}

	store, cleanup, err := openStore()
	if err != nil {
		return err
	}
	defer cleanup()

	p, ok := store.GetPlayer(id)
	if !ok {
		return fmt.Errorf("player %d not found", id)
	}

	fmt.Fprintf(os.Stdout, "\n=== %s ===\n\n", displayName(p))
	fmt.Fprintf(os.Stdout, "  Battle tag  : %s\n", p.BattleTag)
	fmt.Fprintf(os.Stdout, "  Country     : %s\n", displayCountry(p.Country))
	fmt.Fprintf(os.Stdout, "  Region      : %s\n", p.Region)
	fmt.Fprintf(os.Stdout, "  Activated   : %v\n", p.Activated)
	fmt.Fprintf(os.Stdout, "  Aborts left : %d\n", store.AbortQuota(id))
	if !p.SetupDoneAt.IsZero() {
		fmt.Fprintf(os.Stdout, "  Member since: %s\n", p.SetupDoneAt.Format("2006-01-02"))
	}

	ratings := store.GetRatings(id)
	if len(ratings) == 0 {
		fmt.Fprintln(os.Stdout, "\nNo ranked games yet.")
		return nil
	}

	fmt.Fprintf(os.Stdout, "\n--- Ratings ---\n\n")
	t := tablewriter.NewTable(os.Stdout, tablewriter.WithConfig(tablewriter.Config{
		Row:    tw.CellConfig{Alignment: tw.CellAlignment{Global: tw.AlignRight}},
		Header: tw.CellConfig{Alignment: tw.CellAlignment{Global: tw.AlignCenter}},
	}))
	t.Header("RACE", "MMR", "GAMES", "W", "L", "D", "LAST PLAYED")
	for _, r := range ratings {
		last := "-"
		if !r.LastPlayed.IsZero() {
			last = r.LastPlayed.Format("2006-01-02")
		}
		t.Append(
			string(r.Race),
			fmt.Sprintf("%d", r.MMR),
			fmt.Sprintf("%d", r.Games),
			fmt.Sprintf("%d", r.Wins),
			fmt.Sprintf("%d", r.Losses),
			fmt.Sprintf("%d", r.Draws),
			last,
		)
	}
	t.Render()
	return nil
}

func displayName(p model.Player) string {
	if p.Name != "" {
		return p.Name
	}
	return fmt.Sprintf("player #%d", p.ID)
}

func displayCountry(code string) string {
	if model.CountryPrivate[code] {
		return "(private)"
	}
	return code
}
