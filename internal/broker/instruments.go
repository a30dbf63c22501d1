package broker

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// Instrument is one row of the exchange instrument dump.
type Instrument struct {
	Token    int    `json:"instrument_token"`
	Symbol   string `json:"tradingsymbol"`
	Name     string `json:"name"`
	Type     string `json:"instrument_type"`
	Segment  string `json:"segment"`
	Exchange string `json:"exchange"`
}

// Instruments downloads the NSE instrument dump. The endpoint serves a
// daily CSV snapshot instead of the usual JSON envelope, so the body is
// parsed here rather than through the shared response path.
func (c *Client) Instruments(ctx context.Context) ([]Instrument, error) {
	var out []Instrument

	err := c.retry.Do(ctx, "instruments", func() error {
		req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/instruments/"+exchange, nil)
		if err != nil {
			return err
		}
		c.addHeaders(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
		}

		out, err = parseInstrumentDump(resp.Body)
		return err
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func parseInstrumentDump(r io.Reader) ([]Instrument, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read instrument header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	for _, want := range []string{"instrument_token", "tradingsymbol", "exchange"} {
		if _, ok := col[want]; !ok {
			return nil, fmt.Errorf("instrument dump missing column %q", want)
		}
	}

	field := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return rec[i]
	}

	var out []Instrument
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read instrument row: %w", err)
		}

		token, err := strconv.Atoi(field(rec, "instrument_token"))
		if err != nil {
			continue
		}
		out = append(out, Instrument{
			Token:    token,
			Symbol:   field(rec, "tradingsymbol"),
			Name:     field(rec, "name"),
			Type:     field(rec, "instrument_type"),
			Segment:  field(rec, "segment"),
			Exchange: field(rec, "exchange"),
		})
	}

	return out, nil
}
