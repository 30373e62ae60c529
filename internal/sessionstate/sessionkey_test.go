package sessionstate

import (
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionKeyRoundTrip(t *testing.T) {
	// P8: parse(serialize(k)) == k for all valid SessionKeys.
	cases := []SessionKey{
		{Channel: "feishu", Kind: KindChannel},
		{Channel: "feishu", Kind: KindChat, ChatID: "c1"},
		{Channel: "feishu", Kind: KindUser, UserID: "u1"},
		{Channel: "feishu", Kind: KindUserChat, ChatID: "c1", UserID: "u1"},
	}

	for _, k := range cases {
		s := k.String()
		parsed, err := ParseSessionKeyString(s)
		require.NoError(t, err)
		assert.Equal(t, k, parsed, "round trip for %s", s)
	}
}

func TestSessionKeyRoundTripProperty(t *testing.T) {
	f := func(channel, chatID, userID string, kindSel uint8) bool {
		if channel == "" {
			return true // invariant requires non-empty channel, skip trivial input
		}
		kinds := []Kind{KindChannel, KindChat, KindUser, KindUserChat}
		kind := kinds[int(kindSel)%len(kinds)]
		k := SessionKey{Channel: sanitize(channel), Kind: kind, ChatID: sanitize(chatID), UserID: sanitize(userID)}
		if k.Validate() != nil {
			return true // invalid inputs are not required to round-trip
		}
		parsed, err := ParseSessionKeyString(k.String())
		if err != nil {
			return false
		}
		return parsed == k
	}
	require.NoError(t, quick.Check(f, nil))
}

// sanitize strips colons so generated strings can form valid segments;
// the invariant test for colon-rejection is exercised separately below.
func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r != ':' {
			out = append(out, r)
		}
	}
	return string(out)
}

func TestSessionKeyInvariants(t *testing.T) {
	assert.Error(t, SessionKey{Channel: "feishu", Kind: KindChat}.Validate())
	assert.Error(t, SessionKey{Channel: "feishu", Kind: KindUser}.Validate())
	assert.Error(t, SessionKey{Channel: "feishu", Kind: KindUserChat, ChatID: "c1"}.Validate())
	assert.Error(t, SessionKey{Channel: "feishu", Kind: KindUserChat, UserID: "u1"}.Validate())
	assert.NoError(t, SessionKey{Channel: "feishu", Kind: KindUserChat, ChatID: "c1", UserID: "u1"}.Validate())
}

func TestSessionKeyRejectsColonInSegment(t *testing.T) {
	k := SessionKey{Channel: "feishu", Kind: KindChat, ChatID: "c1:evil"}
	assert.Error(t, k.Validate())
}

func TestParseSessionKeyStringRejectsGarbage(t *testing.T) {
	_, err := ParseSessionKeyString("not-a-key")
	assert.Error(t, err)

	_, err = ParseSessionKeyString("feishu:bogus_kind:c1")
	assert.Error(t, err)
}
