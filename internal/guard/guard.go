// Package guard holds the command gates and input validators. Everything
// here is pure apart from reads against the data layer; violations come
// back as typed errors for the view layer to render.
package guard

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/evoladder/evoladder/internal/catalog"
	"github.com/evoladder/evoladder/internal/data"
	"github.com/evoladder/evoladder/internal/errs"
	"github.com/evoladder/evoladder/internal/model"
)

const (
	nameMinLen = 3
	nameMaxLen = 12

	battleTagMaxLen = 20
)

var battleTagRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,15}#\d{1,6}$`)

// deniedNames are reserved words rejected case-insensitively.
var deniedNames = map[string]bool{
	"admin":     true,
	"mod":       true,
	"moderator": true,
	"player":    true,
	"bot":       true,
	"system":    true,
	"staff":     true,
}

// NameValidator checks a display name's character class. Two
// implementations exist: the default English-only alphabet and the
// expanded international one, selected by configuration at wiring time.
type NameValidator interface {
	ValidName(name string) error
}

// EnglishNames accepts [A-Za-z0-9_-] only.
type EnglishNames struct{}

func (EnglishNames) ValidName(name string) error {
	if err := checkNameCommon(name); err != nil {
		return err
	}
	for _, r := range name {
		if !isASCIINameRune(r) {
			return errs.Validation("name contains invalid character %q", r)
		}
	}
	return nil
}

// InternationalNames additionally accepts Unicode letters and digits.
type InternationalNames struct{}

func (InternationalNames) ValidName(name string) error {
	if err := checkNameCommon(name); err != nil {
		return err
	}
	for _, r := range name {
		if isASCIINameRune(r) || unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		return errs.Validation("name contains invalid character %q", r)
	}
	return nil
}

func isASCIINameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_' || r == '-':
		return true
	}
	return false
}

func checkNameCommon(name string) error {
	n := len([]rune(name))
	if n < nameMinLen || n > nameMaxLen {
		return errs.Validation("name must be %d-%d characters, got %d", nameMinLen, nameMaxLen, n)
	}
	if deniedNames[strings.ToLower(name)] {
		return errs.Validation("name %q is reserved", name)
	}
	return nil
}

// ValidBattleTag checks the name#digits account tag.
func ValidBattleTag(tag string) error {
	if len(tag) > battleTagMaxLen {
		return errs.Validation("battle tag exceeds %d characters", battleTagMaxLen)
	}
	if !battleTagRe.MatchString(tag) {
		return errs.Validation("battle tag must look like name#1234")
	}
	return nil
}

// ValidRaces checks a queue race selection: 1 or 2 distinct known codes.
func ValidRaces(races []model.Race) error {
	if len(races) < 1 || len(races) > 2 {
		return errs.Validation("select one or two races, got %d", len(races))
	}
	seen := map[model.Race]bool{}
	for _, r := range races {
		if !r.Valid() {
			return errs.Validation("unknown race %q", r)
		}
		if seen[r] {
			return errs.Validation("race %q selected twice", r)
		}
		seen[r] = true
	}
	return nil
}

// ValidVetoes checks a map veto selection against the active pool.
func ValidVetoes(vetoes []string, cat *catalog.Catalog) error {
	if len(vetoes) > 3 {
		return errs.Validation("at most 3 map vetoes, got %d", len(vetoes))
	}
	pool := map[string]bool{}
	for _, m := range cat.ActiveMaps() {
		pool[m] = true
	}
	for _, v := range vetoes {
		if !pool[v] {
			return errs.Validation("map %q is not in the active pool", v)
		}
	}
	return nil
}

// Setup validates the full /setup payload.
func Setup(in data.SetupFields, names NameValidator, cat *catalog.Catalog) error {
	if err := names.ValidName(in.Name); err != nil {
		return err
	}
	if err := ValidBattleTag(in.BattleTag); err != nil {
		return err
	}
	for _, alt := range []string{in.AltName1, in.AltName2} {
		if alt == "" {
			continue
		}
		if err := names.ValidName(alt); err != nil {
			return err
		}
	}
	if !cat.ValidCountry(in.Country) {
		return errs.Validation("unknown country code %q", in.Country)
	}
	if !cat.ValidRegion(in.Region) {
		return errs.Validation("unknown region code %q", in.Region)
	}
	return nil
}

// Command identifies a guarded command path.
type Command string

const (
	CmdSetup       Command = "setup"
	CmdActivate    Command = "activate"
	CmdToS         Command = "termsofservice"
	CmdSetCountry  Command = "setcountry"
	CmdProfile     Command = "profile"
	CmdLeaderboard Command = "leaderboard"
	CmdQueue       Command = "queue"
	CmdPrune       Command = "prune"
)

// dmOnly lists the commands restricted to direct messages.
var dmOnly = map[Command]bool{
	CmdQueue: true,
	CmdPrune: true,
}

// Gate checks the player's account state for a command. The player record
// is auto-created on first interaction; the setup, activation, and ToS
// commands are exempt from their own prerequisite.
func Gate(s *data.Store, playerID uint64, cmd Command, inDM bool) error {
	p := s.EnsurePlayer(playerID)

	if dmOnly[cmd] && !inDM {
		return errs.Validation("command /%s works in direct messages only", cmd)
	}
	if !p.AcceptedToS && cmd != CmdToS {
		return errs.State("accept the terms of service first (/termsofservice)")
	}
	if !p.SetupDone && cmd != CmdToS && cmd != CmdSetup {
		return errs.State("complete your profile first (/setup)")
	}
	if !p.Activated && cmd != CmdToS && cmd != CmdSetup && cmd != CmdActivate {
		return errs.State("activate your account first (/activate)")
	}
	return nil
}
