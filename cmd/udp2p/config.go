package main

import (
	"time"

	"github.com/BurntSushi/toml"

	"github.com/overlaynet/udp2p/gossip"
)

// gossipConfigTOML is the on-disk shape of the gossip profile. Only the
// fields present in the file override the defaults.
type gossipConfigTOML struct {
	ID            *string  `toml:"id"`
	HistoryLen    *int     `toml:"history_len"`
	HistoryGossip *int     `toml:"history_gossip"`
	Target        *int     `toml:"target"`
	Low           *int     `toml:"low"`
	High          *int     `toml:"high"`
	MinGossip     *int     `toml:"min_gossip"`
	Factor        *float64 `toml:"factor"`
	IntervalMS    *int     `toml:"interval_ms"`
	Check         *int     `toml:"check"`
}

type configTOML struct {
	Gossip gossipConfigTOML `toml:"gossip"`
}

// loadConfig overlays the profile at path onto cfg.
func loadConfig(path string, cfg *gossip.Config) error {
	var file configTOML
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return err
	}
	g := file.Gossip
	if g.ID != nil {
		cfg.ID = *g.ID
	}
	if g.HistoryLen != nil {
		cfg.HistoryLen = *g.HistoryLen
	}
	if g.HistoryGossip != nil {
		cfg.HistoryGossip = *g.HistoryGossip
	}
	if g.Target != nil {
		cfg.Target = *g.Target
	}
	if g.Low != nil {
		cfg.Low = *g.Low
	}
	if g.High != nil {
		cfg.High = *g.High
	}
	if g.MinGossip != nil {
		cfg.MinGossip = *g.MinGossip
	}
	if g.Factor != nil {
		cfg.Factor = *g.Factor
	}
	if g.IntervalMS != nil {
		cfg.Interval = time.Duration(*g.IntervalMS) * time.Millisecond
	}
	if g.Check != nil {
		cfg.Check = *g.Check
	}
	return nil
}
