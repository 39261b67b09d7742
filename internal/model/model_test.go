// SPDX-License-Identifier: MIT

package model

import (
	"testing"
	"time"
)

func TestRegionAllowedBlockedTakesPrecedence(t *testing.T) {
	ch := Channel{RegionsAllowed: []string{"US"}, RegionsBlocked: []string{"US"}}
	if ch.RegionAllowed("US") {
		t.Fatal("regions_blocked must be evaluated before regions_allowed")
	}
}

func TestRegionAllowedCaseInsensitive(t *testing.T) {
	ch := Channel{RegionsAllowed: []string{"US"}}
	if !ch.RegionAllowed("us") {
		t.Fatal("region check must be case-insensitive")
	}
	if ch.RegionAllowed("gb") {
		t.Fatal("gb is not in the allow-list")
	}
}

func TestRegionAllowedNoListsAllowsEverything(t *testing.T) {
	ch := Channel{}
	if !ch.RegionAllowed("") {
		t.Fatal("no region lists configured should allow any region, including empty")
	}
	if !ch.RegionAllowed("FR") {
		t.Fatal("no region lists configured should allow any region")
	}
}

func TestRegionAllowedEmptyRegionRejectedWhenAllowListSet(t *testing.T) {
	ch := Channel{RegionsAllowed: []string{"US"}}
	if ch.RegionAllowed("") {
		t.Fatal("empty region must be rejected when an allow-list is configured")
	}
}

func TestNormalizeRegionsUppercasesInPlace(t *testing.T) {
	ch := Channel{RegionsAllowed: []string{"us", " gb "}, RegionsBlocked: []string{"fr"}}
	ch.NormalizeRegions()
	if ch.RegionsAllowed[0] != "US" || ch.RegionsAllowed[1] != "GB" {
		t.Fatalf("RegionsAllowed = %v", ch.RegionsAllowed)
	}
	if ch.RegionsBlocked[0] != "FR" {
		t.Fatalf("RegionsBlocked = %v", ch.RegionsBlocked)
	}
}

func TestFindVariantCaseInsensitive(t *testing.T) {
	ch := Channel{Variants: []Variant{{Name: "Low"}, {Name: "high"}}}
	if _, ok := ch.FindVariant("LOW"); !ok {
		t.Fatal("variant lookup should be case-insensitive")
	}
	if _, ok := ch.FindVariant("missing"); ok {
		t.Fatal("unknown variant must not be found")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	orig := Channel{
		ID: 1, Name: "News",
		RegionsAllowed: []string{"US"},
		Variants:       []Variant{{Name: "low"}},
		Extra:          map[string]interface{}{"k": "v"},
	}
	clone := orig.Clone()
	clone.RegionsAllowed[0] = "GB"
	clone.Variants[0].Name = "high"
	clone.Extra["k"] = "mutated"

	if orig.RegionsAllowed[0] != "US" {
		t.Fatal("mutating clone's RegionsAllowed affected original")
	}
	if orig.Variants[0].Name != "low" {
		t.Fatal("mutating clone's Variants affected original")
	}
	if orig.Extra["k"] != "v" {
		t.Fatal("mutating clone's Extra affected original")
	}
}

func TestScheduledChannelEligible(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	start := now.Add(-time.Minute)
	end := now.Add(time.Minute)

	inWindow := ScheduledChannel{}
	inWindow.Schedule.Start = &start
	inWindow.Schedule.End = &end
	if !inWindow.Eligible(now) {
		t.Fatal("entry within [start, end) should be eligible")
	}

	notYetStarted := ScheduledChannel{}
	future := now.Add(time.Hour)
	notYetStarted.Schedule.Start = &future
	if notYetStarted.Eligible(now) {
		t.Fatal("entry with a future start must not be eligible yet")
	}

	alreadyEnded := ScheduledChannel{}
	past := now.Add(-time.Hour)
	alreadyEnded.Schedule.End = &past
	if alreadyEnded.Eligible(now) {
		t.Fatal("entry whose end has passed must not be eligible")
	}

	noBounds := ScheduledChannel{}
	if !noBounds.Eligible(now) {
		t.Fatal("missing start/end means always eligible")
	}
}

func TestOutputShapeValidAndSegmented(t *testing.T) {
	for _, s := range []OutputShape{OutputTS, OutputHLS, OutputLLHLS, OutputDASH, OutputRTSP, OutputAudio} {
		if !s.Valid() {
			t.Fatalf("%q should be a valid output shape", s)
		}
	}
	if OutputShape("bogus").Valid() {
		t.Fatal("unknown output shape must not be valid")
	}
	if !OutputHLS.Segmented() || !OutputDASH.Segmented() || !OutputLLHLS.Segmented() {
		t.Fatal("hls/dash/ll-hls must be segmented")
	}
	if OutputTS.Segmented() || OutputAudio.Segmented() {
		t.Fatal("ts/audio must not be segmented")
	}
}

func TestCommandUnmarshalYAMLStringForm(t *testing.T) {
	var c Command
	err := c.UnmarshalYAML(func(v interface{}) error {
		switch p := v.(type) {
		case *string:
			*p = "ffmpeg -i {source}"
			return nil
		}
		return errYAMLTypeMismatch
	})
	if err != nil {
		t.Fatalf("UnmarshalYAML: %v", err)
	}
	if c.IsStructured || c.String != "ffmpeg -i {source}" {
		t.Fatalf("expected scalar-string form, got %+v", c)
	}
}

var errYAMLTypeMismatch = &mismatchErr{}

type mismatchErr struct{}

func (*mismatchErr) Error() string { return "type mismatch" }
