package guard

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/evoladder/evoladder/internal/catalog"
	"github.com/evoladder/evoladder/internal/data"
	"github.com/evoladder/evoladder/internal/errs"
	"github.com/evoladder/evoladder/internal/model"
	"github.com/evoladder/evoladder/internal/sqlstore"
)

func setupFields(name, tag, country, region string) data.SetupFields {
	return data.SetupFields{Name: name, BattleTag: tag, Country: country, Region: region}
}

func loadCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Load("")
	if err != nil {
		t.Fatalf("load embedded catalogs: %v", err)
	}
	return c
}

func TestNameLengthBoundaries(t *testing.T) {
	v := EnglishNames{}
	tests := []struct {
		name string
		ok   bool
	}{
		{"abc", true},      // exactly 3
		{"ab", false},      // 2
		{"abcdefghijkl", true},   // exactly 12
		{"abcdefghijklm", false}, // 13
		{"flash_fan-1", true},
		{"", false},
	}
	for _, tc := range tests {
		err := v.ValidName(tc.name)
		if tc.ok && err != nil {
			t.Errorf("ValidName(%q): unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("ValidName(%q): expected error", tc.name)
		}
	}
}

func TestNameCharset(t *testing.T) {
	en := EnglishNames{}
	intl := InternationalNames{}

	if err := en.ValidName("김택용"); err == nil {
		t.Error("english mode accepted hangul")
	}
	if err := intl.ValidName("김택용"); err != nil {
		t.Errorf("international mode rejected hangul: %v", err)
	}
	for _, v := range []NameValidator{en, intl} {
		if err := v.ValidName("has space"); err == nil {
			t.Error("space accepted in display name")
		}
	}
}

func TestDenyList(t *testing.T) {
	v := EnglishNames{}
	for _, name := range []string{"admin", "ADMIN", "Moderator", "bot"} {
		if err := v.ValidName(name); errs.KindOf(err) != errs.KindValidation {
			t.Errorf("ValidName(%q): got %v, want validation error", name, err)
		}
	}
}

func TestBattleTag(t *testing.T) {
	tests := []struct {
		tag string
		ok  bool
	}{
		{"flash#1234", true},
		{"a#1", true},
		{"Jae-dong_1#999999", true},
		{"flash1234", false},            // no separator
		{"flash#12a4", false},           // non-digit suffix
		{"#1234", false},                // empty name
		{"flash#1234567", false},        // 7 digits
		{"averylongname01#123456", false}, // total > 20
	}
	for _, tc := range tests {
		err := ValidBattleTag(tc.tag)
		if tc.ok && err != nil {
			t.Errorf("ValidBattleTag(%q): unexpected error %v", tc.tag, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("ValidBattleTag(%q): expected error", tc.tag)
		}
	}
}

func TestValidRaces(t *testing.T) {
	if err := ValidRaces([]model.Race{model.RaceBWTerran}); err != nil {
		t.Errorf("single race: %v", err)
	}
	if err := ValidRaces([]model.Race{model.RaceBWTerran, model.RaceSC2Zerg}); err != nil {
		t.Errorf("two races: %v", err)
	}
	if err := ValidRaces(nil); err == nil {
		t.Error("empty selection accepted")
	}
	if err := ValidRaces([]model.Race{"bw_terran", "bw_terran"}); err == nil {
		t.Error("duplicate race accepted")
	}
	if err := ValidRaces([]model.Race{"protoss"}); err == nil {
		t.Error("unknown race accepted")
	}
	three := []model.Race{model.RaceBWTerran, model.RaceBWZerg, model.RaceBWProtoss}
	if err := ValidRaces(three); err == nil {
		t.Error("three races accepted")
	}
}

func TestValidVetoes(t *testing.T) {
	cat := loadCatalog(t)
	pool := cat.ActiveMaps()
	if len(pool) < 4 {
		t.Fatalf("active pool too small for test: %d", len(pool))
	}

	if err := ValidVetoes(pool[:3], cat); err != nil {
		t.Errorf("three vetoes: %v", err)
	}
	if err := ValidVetoes(pool[:4], cat); err == nil {
		t.Error("four vetoes accepted")
	}
	if err := ValidVetoes([]string{"Lost Temple"}, cat); err == nil {
		t.Error("map outside the active pool accepted")
	}
}

func TestSetupValidation(t *testing.T) {
	cat := loadCatalog(t)
	base := setupFields("bisu", "bisu#3344", "KR", "KR")

	if err := Setup(base, EnglishNames{}, cat); err != nil {
		t.Fatalf("valid setup rejected: %v", err)
	}

	bad := base
	bad.Country = "QQ"
	if err := Setup(bad, EnglishNames{}, cat); err == nil {
		t.Error("unknown country accepted")
	}

	bad = base
	bad.Region = "ATLANTIS"
	if err := Setup(bad, EnglishNames{}, cat); err == nil {
		t.Error("unknown region accepted")
	}

	bad = base
	bad.AltName1 = strings.Repeat("x", 13)
	if err := Setup(bad, EnglishNames{}, cat); err == nil {
		t.Error("overlong alt name accepted")
	}
}

func TestGateProgression(t *testing.T) {
	db, err := sqlstore.Open(sqlstore.SQLite, ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := data.New(db, "", slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Close(ctx)
	})

	const id = 77

	// Fresh player: only /termsofservice passes.
	if err := Gate(s, id, CmdQueue, true); errs.KindOf(err) != errs.KindState {
		t.Errorf("queue before ToS: got %v, want state error", err)
	}
	if err := Gate(s, id, CmdToS, false); err != nil {
		t.Errorf("termsofservice gate: %v", err)
	}

	s.AcceptToS(id)
	if err := Gate(s, id, CmdSetup, false); err != nil {
		t.Errorf("setup after ToS: %v", err)
	}
	if err := Gate(s, id, CmdProfile, false); errs.KindOf(err) != errs.KindState {
		t.Errorf("profile before setup: got %v, want state error", err)
	}

	s.CompleteSetup(id, setupFields("bisu", "bisu#3344", "KR", "KR"))
	if err := Gate(s, id, CmdActivate, false); err != nil {
		t.Errorf("activate gate: %v", err)
	}
	if err := Gate(s, id, CmdQueue, true); errs.KindOf(err) != errs.KindState {
		t.Errorf("queue before activation: got %v, want state error", err)
	}

	s.Activate(id)
	if err := Gate(s, id, CmdQueue, true); err != nil {
		t.Errorf("queue after activation: %v", err)
	}
	// DM-only command invoked from a guild channel.
	if err := Gate(s, id, CmdQueue, false); errs.KindOf(err) != errs.KindValidation {
		t.Errorf("queue outside DM: got %v, want validation error", err)
	}
	if err := Gate(s, id, CmdLeaderboard, false); err != nil {
		t.Errorf("leaderboard gate: %v", err)
	}
}
