package opendota

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// AnonymousAccountID is what OpenDota reports for players hiding their profile.
const AnonymousAccountID int64 = 4294967295

// MatchRef is one entry of /players/{account_id}/matches.
type MatchRef struct {
	MatchID    int64
	StartTime  int64
	Duration   int
	GameMode   int
	LobbyType  int
	HeroID     int
	PlayerSlot int
	RadiantWin bool
}

type matchRefWire struct {
	MatchID    *int64 `json:"match_id"`
	StartTime  int64  `json:"start_time"`
	Duration   int    `json:"duration"`
	GameMode   int    `json:"game_mode"`
	LobbyType  int    `json:"lobby_type"`
	HeroID     int    `json:"hero_id"`
	PlayerSlot int    `json:"player_slot"`
	RadiantWin *bool  `json:"radiant_win"`
}

func decodeMatchRefs(body []byte) ([]MatchRef, error) {
	var wire []matchRefWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decode match list: %w", err)
	}

	refs := make([]MatchRef, 0, len(wire))
	for i, w := range wire {
		if w.MatchID == nil || *w.MatchID <= 0 {
			return nil, fmt.Errorf("match list entry %d: missing match_id", i)
		}
		refs = append(refs, MatchRef{
			MatchID:    *w.MatchID,
			StartTime:  w.StartTime,
			Duration:   w.Duration,
			GameMode:   w.GameMode,
			LobbyType:  w.LobbyType,
			HeroID:     w.HeroID,
			PlayerSlot: w.PlayerSlot,
			RadiantWin: w.RadiantWin != nil && *w.RadiantWin,
		})
	}
	return refs, nil
}

// MatchDetails is the full match as returned by the details endpoint.
// Absent optional fields decode to zero values; Raw is the body verbatim.
type MatchDetails struct {
	MatchID      int64
	StartTime    int64
	Duration     int
	GameMode     int
	LobbyType    int
	LeagueID     int
	RadiantWin   bool
	RadiantScore int
	DireScore    int
	Players      []MatchPlayer
	Raw          json.RawMessage
}

// MatchPlayer is one slot of a match. AccountID is 0 when the remote sent null.
type MatchPlayer struct {
	AccountID  int64
	HeroID     int
	PlayerSlot int
	Kills      int
	Deaths     int
	Assists    int
	GoldPerMin int
	XPPerMin   int
	LastHits   int
	Denies     int
}

// Tracked reports whether the slot belongs to an identifiable account.
func (p MatchPlayer) Tracked() bool {
	return p.AccountID > 0 && p.AccountID != AnonymousAccountID
}

type matchDetailsWire struct {
	MatchID      *int64            `json:"match_id"`
	StartTime    *int64            `json:"start_time"`
	Duration     int               `json:"duration"`
	GameMode     int               `json:"game_mode"`
	LobbyType    int               `json:"lobby_type"`
	LeagueID     int               `json:"leagueid"`
	RadiantWin   *bool             `json:"radiant_win"`
	RadiantScore int               `json:"radiant_score"`
	DireScore    int               `json:"dire_score"`
	Players      []matchPlayerWire `json:"players"`
}

type matchPlayerWire struct {
	AccountID  *int64 `json:"account_id"`
	HeroID     int    `json:"hero_id"`
	PlayerSlot int    `json:"player_slot"`
	Kills      int    `json:"kills"`
	Deaths     int    `json:"deaths"`
	Assists    int    `json:"assists"`
	GoldPerMin int    `json:"gold_per_min"`
	XPPerMin   int    `json:"xp_per_min"`
	LastHits   int    `json:"last_hits"`
	Denies     int    `json:"denies"`
}

var errMissingField = errors.New("missing required field")

func decodeMatchDetails(body []byte, wantID int64) (*MatchDetails, error) {
	var w matchDetailsWire
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("decode match details: %w", err)
	}
	if w.MatchID == nil {
		return nil, fmt.Errorf("match_id: %w", errMissingField)
	}
	if *w.MatchID != wantID {
		return nil, fmt.Errorf("match_id %d does not match requested %d", *w.MatchID, wantID)
	}
	if w.StartTime == nil {
		return nil, fmt.Errorf("start_time: %w", errMissingField)
	}
	if w.Duration < 0 {
		return nil, fmt.Errorf("negative duration %d", w.Duration)
	}

	d := &MatchDetails{
		MatchID:      *w.MatchID,
		StartTime:    *w.StartTime,
		Duration:     w.Duration,
		GameMode:     w.GameMode,
		LobbyType:    w.LobbyType,
		LeagueID:     w.LeagueID,
		RadiantWin:   w.RadiantWin != nil && *w.RadiantWin,
		RadiantScore: w.RadiantScore,
		DireScore:    w.DireScore,
		Players:      make([]MatchPlayer, 0, len(w.Players)),
		Raw:          append(json.RawMessage(nil), body...),
	}
	for _, p := range w.Players {
		var accountID int64
		if p.AccountID != nil {
			accountID = *p.AccountID
		}
		d.Players = append(d.Players, MatchPlayer{
			AccountID:  accountID,
			HeroID:     p.HeroID,
			PlayerSlot: p.PlayerSlot,
			Kills:      p.Kills,
			Deaths:     p.Deaths,
			Assists:    p.Assists,
			GoldPerMin: p.GoldPerMin,
			XPPerMin:   p.XPPerMin,
			LastHits:   p.LastHits,
			Denies:     p.Denies,
		})
	}
	return d, nil
}

// PlayerProfile is the subset of /players/{account_id} the observer keeps.
type PlayerProfile struct {
	AccountID   int64
	PersonaName string
}

type playerProfileWire struct {
	Profile *struct {
		AccountID   int64  `json:"account_id"`
		PersonaName string `json:"personaname"`
	} `json:"profile"`
}

// UnknownPersona is used when the remote has no display name for an account.
const UnknownPersona = "Unknown"

func decodePlayerProfile(body []byte, accountID int64) (*PlayerProfile, error) {
	var w playerProfileWire
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("decode player profile: %w", err)
	}
	// OpenDota answers 200 with no profile for private or unknown accounts.
	if w.Profile == nil {
		return nil, fmt.Errorf("profile: %w", errMissingField)
	}

	p := &PlayerProfile{
		AccountID:   accountID,
		PersonaName: w.Profile.PersonaName,
	}
	if p.PersonaName == "" {
		p.PersonaName = UnknownPersona
	}
	return p, nil
}
