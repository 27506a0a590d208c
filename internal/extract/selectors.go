// Package extract turns rendered listing and detail pages into normalized
// records. Every field is reported as present or absent; nothing is guessed.
package extract

import (
	"fmt"
	"regexp"
)

// Selectors are the DOM hooks of the source site.
type Selectors struct {
	ListingEmpty     string `mapstructure:"listing_empty"`
	ListingContainer string `mapstructure:"listing_container"`
	ListingRows      string `mapstructure:"listing_rows"`

	DetailMarker  string `mapstructure:"detail_marker"`
	ExpandControl string `mapstructure:"expand_control"`
	RoundsControl string `mapstructure:"rounds_control"`
	// RoundsTable must render after the rounds control is clicked.
	RoundsTable string `mapstructure:"rounds_table"`
	RoundsRows  string `mapstructure:"rounds_rows"`

	SocialLinks  string `mapstructure:"social_links"`
	SocialLabel  string `mapstructure:"social_label"`
	TeamItems    string `mapstructure:"team_items"`
	TeamName     string `mapstructure:"team_name"`
	TeamPosition string `mapstructure:"team_position"`
	TeamAvatar   string `mapstructure:"team_avatar"`
	TeamProfile  string `mapstructure:"team_profile"`
	Logo         string `mapstructure:"logo"`
	Name         string `mapstructure:"name"`
	Description  string `mapstructure:"description"`

	// LeadMarker flags the lead investor inside an investor anchor's text.
	LeadMarker string `mapstructure:"lead_marker"`
}

// DefaultSelectors matches the current layout of the source site.
func DefaultSelectors() Selectors {
	return Selectors{
		ListingEmpty:     "tr.b-table-empty-row",
		ListingContainer: ".main_container",
		ListingRows:      ".main_container tr",
		DetailMarker:     ".base_info",
		ExpandControl:    `(?i)expand\s*more`,
		RoundsControl:    `(?i)rounds`,
		RoundsTable:      ".investor .watermusk_table",
		RoundsRows:       ".investor .watermusk_table tr",
		SocialLinks:      ".links a",
		SocialLabel:      "span",
		TeamItems:        ".team_member .item",
		TeamName:         ".content h2",
		TeamPosition:     ".content p",
		TeamAvatar:       ".logo-wraper img",
		TeamProfile:      ".card",
		Logo:             ".base_info img",
		Name:             ".base_info h1",
		Description:      ".base_info .detail_intro",
		LeadMarker:       "*",
	}
}

// Controls compiles the disclosure-button patterns clicked before extraction.
func (s Selectors) Controls() (expand, rounds *regexp.Regexp, err error) {
	expand, err = regexp.Compile(s.ExpandControl)
	if err != nil {
		return nil, nil, fmt.Errorf("expand control pattern: %w", err)
	}
	rounds, err = regexp.Compile(s.RoundsControl)
	if err != nil {
		return nil, nil, fmt.Errorf("rounds control pattern: %w", err)
	}
	return expand, rounds, nil
}
