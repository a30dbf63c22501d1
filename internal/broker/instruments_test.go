package broker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const instrumentDumpCSV = `instrument_token,exchange_token,tradingsymbol,name,last_price,expiry,strike,tick_size,lot_size,instrument_type,segment,exchange
738561,2885,RELIANCE,"RELIANCE INDUSTRIES",0,,0,0.05,1,EQ,NSE,NSE
256265,1001,NIFTY 50,"NIFTY 50",0,,0,0,0,EQ,INDICES,NSE
`

func TestInstrumentsParsesDump(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instruments/NSE", r.URL.Path)
		assert.Equal(t, "token key:tok", r.Header.Get("Authorization"))
		fmt.Fprint(w, instrumentDumpCSV)
	})

	got, err := client.Instruments(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, Instrument{
		Token:    738561,
		Symbol:   "RELIANCE",
		Name:     "RELIANCE INDUSTRIES",
		Type:     "EQ",
		Segment:  "NSE",
		Exchange: "NSE",
	}, got[0])
	assert.Equal(t, "NIFTY 50", got[1].Symbol)
	assert.Equal(t, "INDICES", got[1].Segment)
}

func TestInstrumentsRetriesServerErrors(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, instrumentDumpCSV)
	})

	got, err := client.Instruments(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 2, calls)
}

func TestParseInstrumentDumpMissingColumn(t *testing.T) {
	_, err := parseInstrumentDump(strings.NewReader("tradingsymbol,exchange\nRELIANCE,NSE\n"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "instrument_token")
}

func TestParseInstrumentDumpSkipsBadTokens(t *testing.T) {
	dump := "instrument_token,tradingsymbol,exchange\nxyz,BROKEN,NSE\n738561,RELIANCE,NSE\n"

	got, err := parseInstrumentDump(strings.NewReader(dump))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "RELIANCE", got[0].Symbol)
}
