package client

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Item is one entry of the sale listing.
type Item struct {
	SkuCode  string
	AccessID string
	Title    string
}

// Listing is the decoded list response. Times are Unix milliseconds.
type Listing struct {
	CurrentTime       int64
	ActivityBeginTime int64
	Items             []Item
}

// Find returns the item with the given SKU code.
func (l *Listing) Find(skuCode string) (Item, bool) {
	for _, it := range l.Items {
		if it.SkuCode == skuCode {
			return it, true
		}
	}
	return Item{}, false
}

type listRequest struct {
	CategoryAccessID string `json:"categoryAccessId"`
}

// List fetches the sale listing. loc is used for date-time strings without
// a zone.
func (s *Session) List(ctx context.Context, saleID string, loc *time.Location) (*Listing, error) {
	_, raw, err := s.postJSON(ctx, s.endpoints.List, listRequest{CategoryAccessID: saleID})
	if err != nil {
		return nil, err
	}
	return ParseListing(raw, loc)
}

// ParseListing decodes a list response body.
func ParseListing(raw []byte, loc *time.Location) (*Listing, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: list body is not json: %s", ErrMalformedResponse, sample(raw))
	}

	data := gjson.GetBytes(raw, "data")
	if !data.Exists() || data.Type == gjson.Null {
		msg := gjson.GetBytes(raw, "message").String()
		return nil, fmt.Errorf("%w: list response has no data (message %q)", ErrMalformedResponse, msg)
	}

	current, err := ParseSaleTime(data.Get("currentTime"), loc)
	if err != nil {
		return nil, fmt.Errorf("%w: currentTime: %v", ErrMalformedResponse, err)
	}
	begin, err := ParseSaleTime(data.Get("activityBeginTime"), loc)
	if err != nil {
		return nil, fmt.Errorf("%w: activityBeginTime: %v", ErrMalformedResponse, err)
	}

	l := &Listing{CurrentTime: current, ActivityBeginTime: begin}
	data.Get("seckillGoodsResponseVos").ForEach(func(_, v gjson.Result) bool {
		l.Items = append(l.Items, Item{
			SkuCode:  v.Get("skuCode").String(),
			AccessID: v.Get("voucherSeckillActivityDetailAccessId").String(),
			Title:    v.Get("skuTitle").String(),
		})
		return true
	})

	return l, nil
}

var saleTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
}

// ParseSaleTime accepts Unix milliseconds (number or numeric string) or a
// date-time string.
func ParseSaleTime(v gjson.Result, loc *time.Location) (int64, error) {
	if loc == nil {
		loc = time.Local
	}
	switch v.Type {
	case gjson.Number:
		return v.Int(), nil
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return ms, nil
		}
		for _, layout := range saleTimeLayouts {
			if t, err := time.ParseInLocation(layout, s, loc); err == nil {
				return t.UnixMilli(), nil
			}
		}
		return 0, fmt.Errorf("unrecognised time %q", s)
	case gjson.Null:
		if !v.Exists() {
			return 0, fmt.Errorf("missing")
		}
		return 0, fmt.Errorf("null")
	default:
		return 0, fmt.Errorf("unexpected json type %s", v.Type)
	}
}

type redeemRequest struct {
	GoodsDetailAccessID string `json:"goodsDetailAccessId"`
	CategoryAccessID    string `json:"categoryAccessId"`
	Source              int    `json:"source"`
}

// RedeemResult is the decoded redeem response.
type RedeemResult struct {
	HTTPStatus int
	Code       int64
	Success    bool
	Message    string
}

// Authoritative reports whether the server confirmed the acquisition.
func (r RedeemResult) Authoritative() bool {
	return r.Code == 200 && r.Success
}

// RedeemPayload is exposed so callers can log what will be sent.
func (s *Session) RedeemPayload(handle, saleID string) any {
	return redeemRequest{GoodsDetailAccessID: handle, CategoryAccessID: saleID, Source: s.source}
}

// Redeem sends one redemption request. An error means the round trip did
// not complete; a rejection by the server is a nil error with
// Authoritative() == false.
func (s *Session) Redeem(ctx context.Context, handle, saleID string) (RedeemResult, error) {
	status, raw, err := s.postJSON(ctx, s.endpoints.Redeem, s.RedeemPayload(handle, saleID))
	if err != nil {
		return RedeemResult{HTTPStatus: status}, err
	}
	return ParseRedeem(status, raw), nil
}

// ParseRedeem never fails: anything unparseable is a rejection.
func ParseRedeem(status int, raw []byte) RedeemResult {
	r := RedeemResult{HTTPStatus: status}
	if !gjson.ValidBytes(raw) {
		r.Message = sample(raw)
		return r
	}
	res := gjson.ParseBytes(raw)
	r.Code = res.Get("code").Int()
	r.Success = res.Get("success").Bool()
	r.Message = res.Get("message").String()
	return r
}
