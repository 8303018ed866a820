package escrow

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
)

// Tier classifies how usable an escrow record is for recovery.
type Tier int

const (
	// TierLegacy marks records that predate bottle-based escrow.
	TierLegacy Tier = iota
	// TierPartiallyViable marks bottled records whose coverage is incomplete.
	TierPartiallyViable
	// TierFullyViable marks bottled records with complete coverage.
	TierFullyViable
)

func (t Tier) String() string {
	switch t {
	case TierLegacy:
		return "legacy"
	case TierPartiallyViable:
		return "partiallyViable"
	case TierFullyViable:
		return "fullyViable"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// MarshalText renders the tier using its stable name.
func (t Tier) MarshalText() ([]byte, error) {
	switch t {
	case TierLegacy, TierPartiallyViable, TierFullyViable:
		return []byte(t.String()), nil
	default:
		return nil, fmt.Errorf("escrow: unknown tier %d", int(t))
	}
}

// UnmarshalText parses a tier name produced by MarshalText.
func (t *Tier) UnmarshalText(text []byte) error {
	switch string(text) {
	case "legacy":
		*t = TierLegacy
	case "partiallyViable":
		*t = TierPartiallyViable
	case "fullyViable":
		*t = TierFullyViable
	default:
		return fmt.Errorf("escrow: unknown tier %q", string(text))
	}
	return nil
}

// FilterMode narrows which records the trust service returns.
type FilterMode int

const (
	// FilterUnknown requests the broadest, unfiltered record set.
	FilterUnknown FilterMode = iota
	// FilterByOctagonOnly restricts results to records usable without the legacy trust protocol.
	FilterByOctagonOnly
)

func (f FilterMode) String() string {
	switch f {
	case FilterUnknown:
		return "unknown"
	case FilterByOctagonOnly:
		return "octagon-only"
	default:
		return fmt.Sprintf("filter(%d)", int(f))
	}
}

// ParseFilterMode accepts the external spellings of a filter mode. An empty
// string maps to FilterUnknown.
func ParseFilterMode(value string) (FilterMode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "unknown":
		return FilterUnknown, nil
	case "octagon-only", "byoctagononly", "octagon":
		return FilterByOctagonOnly, nil
	default:
		return FilterUnknown, fmt.Errorf("escrow: unsupported filter mode %q", value)
	}
}

func (f FilterMode) MarshalText() ([]byte, error) {
	switch f {
	case FilterUnknown, FilterByOctagonOnly:
		return []byte(f.String()), nil
	default:
		return nil, fmt.Errorf("escrow: unknown filter mode %d", int(f))
	}
}

func (f *FilterMode) UnmarshalText(text []byte) error {
	mode, err := ParseFilterMode(string(text))
	if err != nil {
		return err
	}
	*f = mode
	return nil
}

// AccountContext identifies one cache keyspace.
type AccountContext struct {
	Container string `json:"container"`
	Context   string `json:"context"`
	Account   string `json:"account"`
}

// Validate rejects contexts with missing components. Container and context
// must not contain ':' so that Key stays unique; the account may.
func (a AccountContext) Validate() error {
	if strings.TrimSpace(a.Container) == "" {
		return errors.New("escrow: account context container required")
	}
	if strings.TrimSpace(a.Context) == "" {
		return errors.New("escrow: account context id required")
	}
	if strings.Contains(a.Container, ":") {
		return fmt.Errorf("escrow: account context container %q must not contain ':'", a.Container)
	}
	if strings.Contains(a.Context, ":") {
		return fmt.Errorf("escrow: account context id %q must not contain ':'", a.Context)
	}
	if strings.TrimSpace(a.Account) == "" {
		return errors.New("escrow: account context account required")
	}
	return nil
}

// Key returns the stable identifier used to address per-context state.
func (a AccountContext) Key() string {
	return a.Container + ":" + a.Context + ":" + a.Account
}

func (a AccountContext) String() string { return a.Key() }

// Coverage values reported by the trust service in Metadata.Viability.
const (
	ViabilityFull    = "full"
	ViabilityPartial = "partial"
)

// KeyShare describes one TLK share carried by an escrow record.
type KeyShare struct {
	View           string `json:"view"`
	SenderPeerID   string `json:"senderPeerId,omitempty"`
	ReceiverPeerID string `json:"receiverPeerId,omitempty"`
}

// Metadata is the key-share and signing information attached to a record.
type Metadata struct {
	PeerID         string            `json:"peerId,omitempty"`
	SerialNumber   string            `json:"serialNumber,omitempty"`
	Build          string            `json:"build,omitempty"`
	Viability      string            `json:"viability,omitempty"`
	KeyShares      []KeyShare        `json:"keyShares,omitempty"`
	ClientMetadata map[string]string `json:"clientMetadata,omitempty"`
}

func (m Metadata) clone() Metadata {
	out := m
	if len(m.KeyShares) > 0 {
		out.KeyShares = append([]KeyShare(nil), m.KeyShares...)
	}
	if len(m.ClientMetadata) > 0 {
		out.ClientMetadata = maps.Clone(m.ClientMetadata)
	}
	return out
}

// RawRecord is a record as returned by the remote fetch client, before classification.
type RawRecord struct {
	BottleID string   `json:"bottleId,omitempty"`
	Metadata Metadata `json:"metadata"`
	Payload  []byte   `json:"payload,omitempty"`
}

// HasBottle reports whether the record carries a bottle identifier.
func (r RawRecord) HasBottle() bool { return strings.TrimSpace(r.BottleID) != "" }

// Record is a classified escrow record.
type Record struct {
	BottleID string   `json:"bottleId,omitempty"`
	Tier     Tier     `json:"tier"`
	Metadata Metadata `json:"metadata"`
	Payload  []byte   `json:"payload,omitempty"`
}

// HasBottle reports whether the record carries a bottle identifier.
func (r Record) HasBottle() bool { return strings.TrimSpace(r.BottleID) != "" }

// Validate checks the bottle/tier invariant.
func (r Record) Validate() error {
	switch r.Tier {
	case TierLegacy:
		if r.HasBottle() {
			return fmt.Errorf("%w: legacy record carries bottle %q", ErrInvalidRecord, r.BottleID)
		}
	case TierPartiallyViable, TierFullyViable:
		if !r.HasBottle() {
			return fmt.Errorf("%w: %s record has no bottle", ErrInvalidRecord, r.Tier)
		}
	default:
		return fmt.Errorf("%w: unknown tier %d", ErrInvalidRecord, int(r.Tier))
	}
	return nil
}

// Clone returns a deep copy so cached snapshots never share mutable state with callers.
func (r Record) Clone() Record {
	out := r
	out.Metadata = r.Metadata.clone()
	if r.Payload != nil {
		out.Payload = append([]byte(nil), r.Payload...)
	}
	return out
}

// Marshal encodes the record into the bytes handed to callers.
func (r Record) Marshal() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("escrow: marshal record: %w", err)
	}
	return data, nil
}

// Unmarshal decodes record bytes produced by Marshal.
func Unmarshal(data []byte) (Record, error) {
	if len(data) == 0 {
		return Record{}, fmt.Errorf("%w: empty record", ErrInvalidRecord)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	return rec, nil
}
