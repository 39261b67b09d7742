// SPDX-License-Identifier: MIT

// Package playlist renders M3U playlists from a registry snapshot.
// The format is small and fixed, so it is written out by hand rather
// than through a templating library, the same way internal/health
// writes its Prometheus exposition.
package playlist

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/librenetworks/amps/internal/model"
)

// Filter captures the /playlist.m3u query parameters: region, group,
// ids, variants.
type Filter struct {
	Region           string
	Groups           []string // lower-cased, comma-split
	IDs              map[int]bool
	SuppressVariants bool
}

// ParseFilter builds a Filter from request query parameters. region is
// passed in separately since its effective value may come from a header
// rather than the query string.
func ParseFilter(q url.Values, region string) Filter {
	f := Filter{Region: strings.ToUpper(strings.TrimSpace(region))}

	if g := q.Get("group"); g != "" {
		for _, part := range strings.Split(g, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part != "" {
				f.Groups = append(f.Groups, part)
			}
		}
	}

	if ids := q.Get("ids"); ids != "" {
		f.IDs = make(map[int]bool)
		for _, part := range strings.Split(ids, ",") {
			if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
				f.IDs[n] = true
			}
		}
	}

	if v := strings.ToLower(strings.TrimSpace(q.Get("variants"))); v == "false" {
		f.SuppressVariants = true
	}

	return f
}

// matches reports whether ch survives the filter's group/ids checks.
// Region is evaluated by the caller via model.Channel.RegionAllowed,
// since that also governs /stream/{id} and must use identical logic.
func (f Filter) matches(ch model.Channel) bool {
	if len(f.IDs) > 0 && !f.IDs[ch.ID] {
		return false
	}
	if len(f.Groups) > 0 {
		group := strings.ToLower(strings.TrimSpace(ch.Group))
		found := false
		for _, g := range f.Groups {
			if g == group {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Options configures Render's URL construction and applied filter.
type Options struct {
	BaseURL string // e.g. "http://host:8080", no trailing slash
	Token   string
	Filter  Filter
}

// Render produces the full #EXTM3U text for channels, applying Options'
// filter (region via model.Channel.RegionAllowed, group/ids/variants via
// Filter).
func Render(channels []model.Channel, opts Options) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")

	for _, ch := range channels {
		if !opts.Filter.matches(ch) {
			continue
		}
		if !ch.RegionAllowed(opts.Filter.Region) {
			continue
		}
		writeChannel(&b, ch, opts, "")

		if !opts.Filter.SuppressVariants {
			for _, v := range ch.Variants {
				b.WriteString(fmt.Sprintf("#EXTREM:AMP-VARIANT %s|%s\n", v.NormalizedName(), variantLabel(v)))
				writeChannel(&b, ch, opts, v.NormalizedName())
			}
		}
	}

	return b.String()
}

func variantLabel(v model.Variant) string {
	if v.Label != "" {
		return v.Label
	}
	return v.Name
}

// writeChannel emits one #EXTINF block (plus any #EXTREM hint lines) and
// the absolute stream URL for channel ch, optionally scoped to variant.
func writeChannel(b *strings.Builder, ch model.Channel, opts Options, variant string) {
	display := ch.Name
	if ch.AltName != "" {
		display = ch.AltName
	}

	b.WriteString(fmt.Sprintf(
		"#EXTINF:-1 tvg-id=%q tvg-name=%q tvg-logo=%q group-title=%q channel-number=%q,%s\n",
		ch.EPGID, ch.Name, ch.Logo, ch.Group, ch.Number, display,
	))

	if variant == "" {
		if next := nextProgram(ch); next != nil {
			desc := next.Description
			title := next.Title
			start := ""
			if next.Start != nil {
				start = next.Start.UTC().Format("2006-01-02T15:04:05Z")
			}
			b.WriteString(fmt.Sprintf("#EXTREM:AMP-NEXT %s|%s|%s\n", start, title, desc))
		}
		if ch.ScheduleFeedURL != "" {
			b.WriteString(fmt.Sprintf("#EXTREM:AMP-PROGRAM-FEED %s\n", ch.ScheduleFeedURL))
		}
		if ch.Description != "" {
			b.WriteString(fmt.Sprintf("#EXTREM:AMP-DESCRIPTION %s\n", ch.Description))
		}
		if len(ch.RegionsAllowed) > 0 || len(ch.RegionsBlocked) > 0 {
			allow := append([]string(nil), ch.RegionsAllowed...)
			block := append([]string(nil), ch.RegionsBlocked...)
			sort.Strings(allow)
			sort.Strings(block)
			b.WriteString(fmt.Sprintf("#EXTREM:AMP-REGION allow=%s block=%s\n", strings.Join(allow, ","), strings.Join(block, ",")))
		}
	}

	b.WriteString(streamURL(opts.BaseURL, ch.ID, opts.Token, opts.Filter.Region, variant))
	b.WriteString("\n")
}

// nextProgram returns the first program in ch.Programs carrying a Start
// instant, on the assumption the config/CRUD layer keeps programs in
// chronological order (program order is preserved end to end).
func nextProgram(ch model.Channel) *model.Program {
	for i := range ch.Programs {
		if ch.Programs[i].Start != nil {
			return &ch.Programs[i]
		}
	}
	if len(ch.Programs) > 0 {
		return &ch.Programs[0]
	}
	return nil
}

func streamURL(base string, id int, token, region, variant string) string {
	u := fmt.Sprintf("%s/stream/%d?token=%s", strings.TrimRight(base, "/"), id, url.QueryEscape(token))
	if region != "" {
		u += "&region=" + url.QueryEscape(region)
	}
	if variant != "" {
		u += "&variant=" + url.QueryEscape(variant)
	}
	return u
}
