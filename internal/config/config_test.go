package config

import (
	"errors"
	"testing"
	"time"

	"footprint/internal/domain/aggregator"

	"github.com/sirupsen/logrus"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("FOOTPRINT_SYMBOLS", " btcusdt, ethusdt ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr() != "0.0.0.0:8080" {
		t.Errorf("addr = %s", cfg.HTTP.Addr())
	}
	if got := cfg.Footprint.Symbols; len(got) != 2 || got[0] != "BTCUSDT" || got[1] != "ETHUSDT" {
		t.Errorf("symbols = %v", got)
	}

	agg, err := cfg.Footprint.Aggregator()
	if err != nil {
		t.Fatalf("aggregator config: %v", err)
	}
	if agg.TimeBucketWidth != 5*time.Minute || agg.PriceBucketWidth.String() != "50" || agg.DedupeWindow != time.Hour {
		t.Errorf("unexpected aggregator config: %+v", agg)
	}
	if cfg.Footprint.LookbackWindow != 12*time.Hour || cfg.Live.RefreshInterval != 10*time.Second {
		t.Errorf("unexpected windows: lookback=%s refresh=%s", cfg.Footprint.LookbackWindow, cfg.Live.RefreshInterval)
	}
}

func TestLoad_InvalidBucketing(t *testing.T) {
	cases := map[string]string{
		"FOOTPRINT_PRICE_BUCKET_WIDTH": "0",
		"FOOTPRINT_TIME_BUCKET_WIDTH":  "-1m",
		"FOOTPRINT_DEDUPE_WINDOW":      "soon",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			var cerr *aggregator.ConfigError
			if !errors.As(err, &cerr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
		})
	}
}

func TestParseDedupeWindow(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{"unbounded", aggregator.Unbounded, false},
		{" Unbounded ", aggregator.Unbounded, false},
		{"", aggregator.Unbounded, false},
		{"90m", 90 * time.Minute, false},
		{"0s", 0, true},
		{"-1h", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDedupeWindow(tc.in)
		if tc.err {
			if err == nil {
				t.Errorf("ParseDedupeWindow(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("ParseDedupeWindow(%q) = %s, %v; want %s", tc.in, got, err, tc.want)
		}
	}
}

func TestLogConfig_Logger(t *testing.T) {
	if got := (LogConfig{Level: "debug"}).Logger().GetLevel(); got != logrus.DebugLevel {
		t.Errorf("level = %v, want debug", got)
	}
	if got := (LogConfig{Level: "nonsense"}).Logger().GetLevel(); got != logrus.InfoLevel {
		t.Errorf("fallback level = %v, want info", got)
	}
}
