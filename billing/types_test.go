package billing_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cdr-ledger/billing"
)

func TestParseUserID(t *testing.T) {
	want := billing.UserID{0xde, 0xad, 0xbe, 0xef, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 0xa, 0xb}

	for _, s := range []string{
		"0xdeadbeef000102030405060708090a0b",
		"deadbeef000102030405060708090a0b",
		"DEADBEEF000102030405060708090A0B",
		"deadbeef-0001-0203-0405-060708090a0b",
	} {
		got, err := billing.ParseUserID(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}

	assert.Equal(t, "0xdeadbeef000102030405060708090a0b", want.String())

	for _, bad := range []string{"", "0x", "deadbeef", "zz", "0xdeadbeef000102030405060708090a0b0c"} {
		_, err := billing.ParseUserID(bad)
		assert.ErrorIs(t, err, billing.ErrInvalidUserID, bad)
	}
}

func TestUserID_TextRoundTrip(t *testing.T) {
	id := billing.NewUserID()
	b, err := json.Marshal(map[string]billing.UserID{"id": id})
	require.NoError(t, err)

	var back map[string]billing.UserID
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, id, back["id"])
}

func TestParseAmount(t *testing.T) {
	a, err := billing.ParseAmount("340282366920938463463374607431768211456") // 2^128
	require.NoError(t, err)
	assert.Equal(t, "340282366920938463463374607431768211456", a.String())

	zero, err := billing.ParseAmount("0")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	for _, bad := range []string{"-1", "1.5", "2.0", "abc", "", "1e5", "1E5", "1e200000000", "0x10"} {
		_, err := billing.ParseAmount(bad)
		assert.ErrorIs(t, err, billing.ErrInvalidAmount, bad)
	}
}

func TestAmount_JSON(t *testing.T) {
	var c billing.CDR
	require.NoError(t, json.Unmarshal([]byte(`{"service_type":1,"timestamp":1727971507,"cost":25,"balance":"1000"}`), &c))
	assert.Equal(t, billing.ServiceVoice, c.ServiceType)
	assert.True(t, c.Cost.Equal(billing.NewAmount(25)))
	assert.True(t, c.Balance.Equal(billing.NewAmount(1000)))

	b, err := json.Marshal(c.Cost)
	require.NoError(t, err)
	assert.JSONEq(t, `"25"`, string(b))

	err = json.Unmarshal([]byte(`{"cost":-3}`), &c)
	assert.ErrorIs(t, err, billing.ErrInvalidAmount)
}

func TestCDR_Validate(t *testing.T) {
	ok := billing.CDR{Cost: billing.NewAmount(1), Balance: billing.NewAmount(0)}
	assert.NoError(t, ok.Validate())

	negative := billing.CDR{Cost: billing.NewAmount(-1), Balance: billing.NewAmount(0)}
	assert.ErrorIs(t, negative.Validate(), billing.ErrInvalidAmount)

	assert.Equal(t, "18446744073709551615", billing.NewAmountFromUint(^uint64(0)).String())
}

func TestServiceType_String(t *testing.T) {
	assert.Equal(t, "voice", billing.ServiceVoice.String())
	assert.Equal(t, "sms", billing.ServiceSMS.String())
	assert.Equal(t, "42", billing.ServiceType(42).String())
}
