package vcr

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Mode selects one of the five VCR behaviors.
type Mode string

const (
	ModeOff    Mode = "off"
	ModeRecord Mode = "record"
	ModeReplay Mode = "replay"
	ModeAuto   Mode = "auto"
	ModeStrict Mode = "strict"
)

// ErrVCRMiss is returned by Decide in replay mode when no cassette
// matches — the request must fail, it is never silently dispatched live.
var ErrVCRMiss = errors.New("vcr: replay miss")

// ErrStrictMiss is the strict-mode equivalent of ErrVCRMiss.
var ErrStrictMiss = errors.New("vcr: strict miss")

// ErrStrictRecordForbidden is returned when something attempts to
// record new traffic while running in strict mode.
var ErrStrictRecordForbidden = errors.New("vcr: recording is forbidden in strict mode")

// Decision is what the gateway should do with a given request.
type Decision struct {
	Replay     bool
	Cassette   *Cassette // set when Replay is true
	RecordAfterLiveCall bool
}

// Config is the VCR's runtime configuration (spec §6.5 vcr.* options).
type Config struct {
	Mode            Mode
	MatchMode       MatchMode
	CassettesDir    string
	SignatureSecret string
}

// VCR ties a Store and a Mode together to decide, per request, whether
// to replay and whether a live call should be recorded afterward.
type VCR struct {
	mode  Mode
	match MatchMode
	store *Store
}

func New(cfg Config) *VCR {
	return &VCR{
		mode:  cfg.Mode,
		match: cfg.MatchMode,
		store: NewStore(cfg.CassettesDir, []byte(cfg.SignatureSecret)),
	}
}

// Decide looks up a cassette for in's fingerprint and returns what the
// gateway should do, per the mode table in SPEC_FULL.md §2.8.
func (v *VCR) Decide(provider string, in FingerprintInput) (Decision, error) {
	fp, err := Fingerprint(in, v.match)
	if err != nil {
		return Decision{}, fmt.Errorf("vcr: fingerprint: %w", err)
	}

	switch v.mode {
	case ModeOff:
		return Decision{Replay: false, RecordAfterLiveCall: false}, nil

	case ModeRecord:
		return Decision{Replay: false, RecordAfterLiveCall: true}, nil

	case ModeReplay:
		c, err := v.store.Get(provider, fp)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return Decision{}, ErrVCRMiss
			}
			return Decision{}, err
		}
		return Decision{Replay: true, Cassette: c}, nil

	case ModeAuto:
		c, err := v.store.Get(provider, fp)
		if err == nil {
			return Decision{Replay: true, Cassette: c}, nil
		}
		if errors.Is(err, ErrNotFound) {
			return Decision{Replay: false, RecordAfterLiveCall: true}, nil
		}
		// A tampered cassette is never silently treated as a miss.
		return Decision{}, err

	case ModeStrict:
		c, err := v.store.Get(provider, fp)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return Decision{}, ErrStrictMiss
			}
			return Decision{}, err
		}
		return Decision{Replay: true, Cassette: c}, nil

	default:
		return Decision{}, fmt.Errorf("vcr: unknown mode %q", v.mode)
	}
}

// Record stores a new cassette for a live exchange. It refuses outright
// in strict mode.
func (v *VCR) Record(provider, fingerprint, model string, request, response json.RawMessage, status int) error {
	if v.mode == ModeStrict {
		return ErrStrictRecordForbidden
	}
	c := &Cassette{
		Fingerprint: fingerprint,
		Provider:    provider,
		Model:       model,
		Request:     request,
		Response:    response,
		StatusCode:  status,
		RecordedAt:  time.Now().UTC(),
	}
	return v.store.Put(c)
}

// Mode returns the configured mode.
func (v *VCR) Mode() Mode { return v.mode }

// MatchMode returns the configured fingerprint match mode.
func (v *VCR) MatchMode() MatchMode { return v.match }
