// Package beacon maps attendance sessions to and from the three numeric
// fields of a proximity beacon: the deployment UUID, major and minor.
//
// Major carries the organization code. Minor is a 16-bit projection of the
// session token. The projection is not injective, so a minor alone never
// identifies a session; the server resolves it against the full token stored
// for the caller's organization.
package beacon

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"

	"github.com/rollcall/ble-attendance/internal/token"
)

// Payload is what an officer device puts on air for a session.
type Payload struct {
	Major        uint16 `json:"major"`
	Minor        uint16 `json:"minor"`
	SessionToken string `json:"sessionToken,omitempty"`
}

// Decoded is the organization context recovered from a received beacon.
type Decoded struct {
	OrgCode uint16 `json:"orgCode"`
	OrgSlug string `json:"orgSlug"`
	Minor   uint16 `json:"minor"`
}

// Registry maps organization slugs to their per-deployment beacon codes.
type Registry struct {
	bySlug map[string]uint16
	byCode map[uint16]string
}

// DefaultOrgCodes is the stock deployment: one code per affiliated organization.
var DefaultOrgCodes = map[string]uint16{
	"nhs":  1,
	"nhsa": 2,
}

// NewRegistry builds a registry. Codes must be non-zero and unique.
func NewRegistry(codes map[string]uint16) (*Registry, error) {
	r := &Registry{
		bySlug: make(map[string]uint16, len(codes)),
		byCode: make(map[uint16]string, len(codes)),
	}
	for slug, code := range codes {
		slug = strings.ToLower(strings.TrimSpace(slug))
		if slug == "" {
			return nil, fmt.Errorf("empty organization slug")
		}
		if code == 0 {
			return nil, fmt.Errorf("organization %q: code 0 is reserved", slug)
		}
		if other, dup := r.byCode[code]; dup {
			return nil, fmt.Errorf("organization code %d used by both %q and %q", code, other, slug)
		}
		r.bySlug[slug] = code
		r.byCode[code] = slug
	}
	return r, nil
}

// ParseRegistry reads "slug:code,slug:code" as used in configuration.
func ParseRegistry(raw string) (*Registry, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return NewRegistry(DefaultOrgCodes)
	}

	codes := make(map[string]uint16)
	for _, part := range strings.Split(raw, ",") {
		slug, rawCode, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("invalid org code entry %q", part)
		}
		code, err := strconv.ParseUint(strings.TrimSpace(rawCode), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid org code for %q: %w", slug, err)
		}
		codes[slug] = uint16(code)
	}
	return NewRegistry(codes)
}

// Code resolves either a slug ("nhs") or a decimal code ("1").
func (r *Registry) Code(orgSlugOrCode string) (uint16, bool) {
	key := strings.ToLower(strings.TrimSpace(orgSlugOrCode))
	if code, ok := r.bySlug[key]; ok {
		return code, true
	}
	if n, err := strconv.ParseUint(key, 10, 16); err == nil {
		if _, ok := r.byCode[uint16(n)]; ok {
			return uint16(n), true
		}
	}
	return 0, false
}

// Slug returns the slug registered for code.
func (r *Registry) Slug(code uint16) (string, bool) {
	slug, ok := r.byCode[code]
	return slug, ok
}

// Codes lists the known organization codes in ascending order.
func (r *Registry) Codes() []uint16 {
	codes := make([]uint16, 0, len(r.byCode))
	for code := range r.byCode {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}

// Codec encodes and validates attendance beacons for one deployment.
type Codec struct {
	registry *Registry
}

func NewCodec(registry *Registry) *Codec {
	return &Codec{registry: registry}
}

func (c *Codec) Registry() *Registry {
	return c.registry
}

// Encode derives the beacon payload for a session token.
func (c *Codec) Encode(sessionToken, orgSlugOrCode string) (Payload, error) {
	if !token.ValidateFormat(sessionToken) {
		return Payload{}, fmt.Errorf("invalid session token format")
	}
	major, ok := c.registry.Code(orgSlugOrCode)
	if !ok {
		return Payload{}, fmt.Errorf("unknown organization %q", orgSlugOrCode)
	}
	return Payload{
		Major:        major,
		Minor:        MinorFor(sessionToken),
		SessionToken: sessionToken,
	}, nil
}

// Decode recovers the organization context of a raw (major, minor) pair.
// The second return is false for beacons from unknown organizations.
func (c *Codec) Decode(major, minor uint16) (Decoded, bool) {
	slug, ok := c.registry.Slug(major)
	if !ok {
		return Decoded{}, false
	}
	return Decoded{OrgCode: major, OrgSlug: slug, Minor: minor}, true
}

// IsAttendanceBeacon reports whether major is one of the deployment's org codes.
func (c *Codec) IsAttendanceBeacon(major uint16) bool {
	_, ok := c.registry.Slug(major)
	return ok
}

// ValidatePayload checks a received beacon against the organization the
// device belongs to. Beacons of other organizations are simply not ours.
func (c *Codec) ValidatePayload(major, minor uint16, expectedOrgSlug string) bool {
	if minor == 0 {
		return false
	}
	expected, ok := c.registry.Code(expectedOrgSlug)
	if !ok {
		return false
	}
	return major == expected
}

// MinorFor projects a token onto 16 bits: FNV-1a 32 folded by XOR of the
// halves. Zero is remapped to 1 because minor 0 means "no session".
func MinorFor(sessionToken string) uint16 {
	h := fnv.New32a()
	h.Write([]byte(sessionToken))
	sum := h.Sum32()
	minor := uint16(sum>>16) ^ uint16(sum)
	if minor == 0 {
		minor = 1
	}
	return minor
}
