package beacon

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	registry, err := NewRegistry(DefaultOrgCodes)
	require.NoError(t, err)
	return NewCodec(registry)
}

func TestRegistry(t *testing.T) {
	t.Run("resolves slugs and codes", func(t *testing.T) {
		r, err := NewRegistry(DefaultOrgCodes)
		require.NoError(t, err)

		code, ok := r.Code("NHS")
		assert.True(t, ok)
		assert.Equal(t, uint16(1), code)

		code, ok = r.Code("2")
		assert.True(t, ok)
		assert.Equal(t, uint16(2), code)

		_, ok = r.Code("7")
		assert.False(t, ok)

		slug, ok := r.Slug(2)
		assert.True(t, ok)
		assert.Equal(t, "nhsa", slug)
		assert.Equal(t, []uint16{1, 2}, r.Codes())
	})

	t.Run("rejects reserved and duplicate codes", func(t *testing.T) {
		_, err := NewRegistry(map[string]uint16{"a": 0})
		assert.Error(t, err)

		_, err = NewRegistry(map[string]uint16{"a": 3, "b": 3})
		assert.Error(t, err)
	})

	t.Run("parses configuration strings", func(t *testing.T) {
		r, err := ParseRegistry("alpha:5, beta:6")
		require.NoError(t, err)
		code, ok := r.Code("beta")
		assert.True(t, ok)
		assert.Equal(t, uint16(6), code)

		r, err = ParseRegistry("")
		require.NoError(t, err)
		assert.Equal(t, []uint16{1, 2}, r.Codes())

		_, err = ParseRegistry("alpha")
		assert.Error(t, err)
		_, err = ParseRegistry("alpha:70000")
		assert.Error(t, err)
	})
}

func TestCodecEncode(t *testing.T) {
	codec := newTestCodec(t)

	t.Run("derives major from org and minor from token", func(t *testing.T) {
		p, err := codec.Encode("ABC123DEF456", "nhs")
		require.NoError(t, err)
		assert.Equal(t, uint16(1), p.Major)
		assert.Equal(t, MinorFor("ABC123DEF456"), p.Minor)
		assert.NotZero(t, p.Minor)
		assert.Equal(t, "ABC123DEF456", p.SessionToken)
	})

	t.Run("is deterministic across calls", func(t *testing.T) {
		first, err := codec.Encode("K7Q2M9X4B1ZP", "2")
		require.NoError(t, err)
		for i := 0; i < 10; i++ {
			again, err := codec.Encode("K7Q2M9X4B1ZP", "nhsa")
			require.NoError(t, err)
			assert.Equal(t, first, again)
		}

		decoded, ok := codec.Decode(first.Major, first.Minor)
		require.True(t, ok)
		assert.Equal(t, first.Minor, decoded.Minor)
		assert.Equal(t, "nhsa", decoded.OrgSlug)
	})

	t.Run("rejects bad input", func(t *testing.T) {
		_, err := codec.Encode("bad", "nhs")
		assert.Error(t, err)
		_, err = codec.Encode("ABC123DEF456", "unknown")
		assert.Error(t, err)
	})
}

func TestCodecValidation(t *testing.T) {
	codec := newTestCodec(t)

	assert.True(t, codec.IsAttendanceBeacon(1))
	assert.True(t, codec.IsAttendanceBeacon(2))
	assert.False(t, codec.IsAttendanceBeacon(9))

	_, ok := codec.Decode(9, 100)
	assert.False(t, ok)

	assert.True(t, codec.ValidatePayload(1, 100, "nhs"))
	assert.False(t, codec.ValidatePayload(2, 100, "nhs"), "cross-organization beacon")
	assert.False(t, codec.ValidatePayload(1, 0, "nhs"), "minor 0 carries no session")
	assert.False(t, codec.ValidatePayload(1, 100, "unknown"))
}

func TestMinorFor(t *testing.T) {
	t.Run("spreads tokens across the 16-bit range", func(t *testing.T) {
		seen := make(map[uint16]struct{})
		tokens := []string{"AAAAAAAAAAAA", "AAAAAAAAAAAB", "ABC123DEF456", "ZZZZZZZZZZZZ", "000000000000", "K7Q2M9X4B1ZP"}
		for _, tok := range tokens {
			seen[MinorFor(tok)] = struct{}{}
		}
		assert.Len(t, seen, len(tokens))
	})

	t.Run("matches known vectors", func(t *testing.T) {
		assert.Equal(t, uint16(18248), MinorFor("ABC123DEF456"))
		assert.Equal(t, uint16(12428), MinorFor("K7Q2M9X4B1ZP"))
	})
}

func TestAdvertisementFraming(t *testing.T) {
	id := uuid.MustParse("e2c56db5-dffb-48d2-b060-d0f5a71096e0")
	payload := Payload{Major: 1, Minor: 0xBEEF}

	adv, err := MarshalAdvertisement(id, payload, DefaultMeasuredPower)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(adv), 31)
	// flags AD structure first, then manufacturer data with the beacon prefix
	assert.Equal(t, []byte{0x02, 0x01, 0x06, 0x1A, 0xFF, 0x4C, 0x00, 0x02, 0x15}, adv[:9])

	frame, err := ParseAdvertisement(adv)
	require.NoError(t, err)
	assert.Equal(t, id, frame.UUID)
	assert.Equal(t, uint16(1), frame.Major)
	assert.Equal(t, uint16(0xBEEF), frame.Minor)
	assert.Equal(t, DefaultMeasuredPower, frame.MeasuredPower)

	t.Run("rejects other advertisements", func(t *testing.T) {
		_, err := ParseAdvertisement([]byte{0x02, 0x01, 0x06, 0x05, 0x09, 'h', 'e', 'l', 'o'})
		assert.ErrorIs(t, err, ErrNotBeacon)
	})

	t.Run("rejects truncated data", func(t *testing.T) {
		_, err := ParseAdvertisement(adv[:12])
		assert.Error(t, err)
	})
}
