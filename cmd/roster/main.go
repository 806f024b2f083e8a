package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"

	"github.com/dinghuanghao/dota2-cultivation/internal/config"
	"github.com/dinghuanghao/dota2-cultivation/internal/db"
	"github.com/dinghuanghao/dota2-cultivation/internal/logging"
	"github.com/dinghuanghao/dota2-cultivation/internal/roster"
)

const usage = `Usage:
  roster add <account_id>...        track players (reactivates removed ones)
  roster remove <account_id>...     stop tracking players, keeping their matches
  roster list [-all]                show tracked players
  roster sync [-file path]          apply a player list file
  roster matches [-limit n] [-offset n] [-days n] [-mode n] [-hero n] <account_id>
  roster stats [-days n] <account_id>

Account ids may be given as 32-bit ids or Steam64 ids.
Add -json to list, matches or stats for machine readable output.
Storage is selected by DATABASE_URL (see .env).`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()
	store, err := db.Open(ctx, cfg.DatabaseURL, cfg.TursoAuthToken, db.WithLogger(logging.Discard()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "add":
		err = cmdAdd(ctx, store, args)
	case "remove":
		err = cmdRemove(ctx, store, args)
	case "list":
		err = cmdList(ctx, store, args, os.Stdout)
	case "sync":
		err = cmdSync(ctx, store, args, cfg.PlayerListPath, logger)
	case "matches":
		err = cmdMatches(ctx, store, args, os.Stdout)
	case "stats":
		err = cmdStats(ctx, store, args, os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", cmd, usage)
		store.Close()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		store.Close()
		os.Exit(1)
	}
}

func parseIDs(args []string) ([]int64, error) {
	if len(args) == 0 {
		return nil, errors.New("at least one account id is required")
	}
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := roster.ParseAccountID(a)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func cmdAdd(ctx context.Context, store *db.SQLStore, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	for _, id := range ids {
		p, err := store.UpsertPlayer(ctx, db.Player{AccountID: id})
		if err != nil {
			return err
		}
		if !p.Active {
			if err := store.ActivatePlayer(ctx, id); err != nil {
				return err
			}
		}
		fmt.Printf("tracking %d (%s)\n", id, p.PersonaName)
	}
	return nil
}

func cmdRemove(ctx context.Context, store *db.SQLStore, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := store.DeactivatePlayer(ctx, id); err != nil {
			return fmt.Errorf("account %d: %w", id, err)
		}
		fmt.Printf("stopped tracking %d\n", id)
	}
	return nil
}

func cmdList(ctx context.Context, store *db.SQLStore, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	all := fs.Bool("all", false, "include removed players")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		players []db.Player
		err     error
	)
	if *all {
		players, err = store.ListPlayers(ctx)
	} else {
		players, err = store.ListActivePlayers(ctx)
	}
	if err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(w, players)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tNAME\tACTIVE\tPROFILE UPDATED")
	for _, p := range players {
		updated := "never"
		if p.ProfileUpdatedAt != nil {
			updated = p.ProfileUpdatedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%t\t%s\n", p.AccountID, p.PersonaName, p.Active, updated)
	}
	return tw.Flush()
}

func cmdSync(ctx context.Context, store *db.SQLStore, args []string, defaultPath string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	path := fs.String("file", defaultPath, "player list file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	entries, err := roster.LoadFile(*path)
	if err != nil {
		return err
	}
	res, err := roster.Sync(ctx, store, entries, logger)
	if err != nil {
		return err
	}
	fmt.Printf("added %d, reactivated %d, deactivated %d, unchanged %d\n",
		res.Added, res.Reactivated, res.Deactivated, res.Unchanged)
	return nil
}

func sinceDays(days int) time.Time {
	if days <= 0 {
		return time.Time{}
	}
	return time.Now().Add(-time.Duration(days) * 24 * time.Hour)
}

func oneID(fs *flag.FlagSet) (int64, error) {
	if fs.NArg() != 1 {
		return 0, errors.New("exactly one account id is required")
	}
	ids, err := parseIDs(fs.Args())
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

func cmdMatches(ctx context.Context, store *db.SQLStore, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("matches", flag.ContinueOnError)
	limit := fs.Int("limit", db.DefaultPageLimit, "page size")
	offset := fs.Int("offset", 0, "rows to skip")
	days := fs.Int("days", 0, "only matches from the last n days")
	mode := fs.Int("mode", 0, "only this game mode")
	hero := fs.Int("hero", 0, "only matches played as this hero")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := oneID(fs)
	if err != nil {
		return err
	}

	page, err := store.PlayerMatches(ctx, id, db.PageQuery{
		Limit:    *limit,
		Offset:   *offset,
		Since:    sinceDays(*days),
		GameMode: *mode,
		HeroID:   *hero,
	})
	if err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(w, page)
	}

	fmt.Fprintf(w, "account %d: %d matches (showing %d from offset %d)\n", id, page.Total, len(page.Matches), page.Offset)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MATCH\tSTARTED\tHERO\tRESULT\tK/D/A\tGPM\tXPM")
	for _, m := range page.Matches {
		result := "loss"
		if m.Won() {
			result = "win"
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%d/%d/%d\t%d\t%d\n",
			m.MatchID, time.Unix(m.StartTime, 0).UTC().Format("2006-01-02 15:04"),
			m.HeroID, result, m.Kills, m.Deaths, m.Assists, m.GoldPerMin, m.XPPerMin)
	}
	return tw.Flush()
}

func cmdStats(ctx context.Context, store *db.SQLStore, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	days := fs.Int("days", 0, "only matches from the last n days")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := oneID(fs)
	if err != nil {
		return err
	}

	stats, err := store.PlayerStats(ctx, id, sinceDays(*days))
	if err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(w, stats)
	}

	fmt.Fprintf(w, "account %d: %d matches, %d wins, %d losses, %.1f%% win rate, %.2f KDA\n",
		stats.AccountID, stats.TotalMatches, stats.Wins, stats.Losses, stats.WinRate, stats.AvgKDA)
	if len(stats.Heroes) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HERO\tGAMES\tWINS\tWIN%\tK\tD\tA\tGPM\tXPM")
	for _, h := range stats.Heroes {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%.1f\t%.1f\t%.1f\t%.1f\t%.0f\t%.0f\n",
			h.HeroID, h.Games, h.Wins, h.WinRate, h.AvgKills, h.AvgDeaths, h.AvgAssists, h.AvgGPM, h.AvgXPM)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
