package pseudo

import (
	"errors"

	"github.com/tidwall/gjson"

	"pseudonymizing-proxy/internal/mapping"
)

var errMalformed = errors.New("malformed response")

// decodeResult reads the service response. Only the masked prompt is
// required. Pairs are collected in document order from reverse_map
// (pseudonym to original), then the token/value of each mapping item, then
// the inverted substitution_map (original to pseudonym); the first pair seen
// for a pseudonym wins.
func decodeResult(data []byte) (Result, error) {
	if !gjson.ValidBytes(data) {
		return Result{}, errMalformed
	}
	doc := gjson.ParseBytes(data)
	if ok := doc.Get("ok"); ok.Exists() && !ok.Bool() {
		if msg := doc.Get("error").String(); msg != "" {
			return Result{}, errors.New("service error: " + msg)
		}
		return Result{}, errMalformed
	}

	masked := doc.Get("masked_prompt")
	if masked.Type != gjson.String {
		masked = doc.Get("pseudonymized")
	}
	if masked.Type != gjson.String {
		return Result{}, errMalformed
	}

	res := Result{MaskedText: masked.Str}
	var m mapping.Mapping

	doc.Get("reverse_map").ForEach(func(k, v gjson.Result) bool {
		if v.Type == gjson.String {
			m.Add(k.String(), v.Str)
		}
		return true
	})

	doc.Get("mapping").ForEach(func(_, v gjson.Result) bool {
		if !v.IsObject() {
			return true
		}
		item := Item{
			Type:  v.Get("type").String(),
			Value: v.Get("value").String(),
			Token: v.Get("token").String(),
			Start: int(v.Get("start").Int()),
			End:   int(v.Get("end").Int()),
		}
		res.Items = append(res.Items, item)
		m.Add(item.Token, item.Value)
		return true
	})

	doc.Get("substitution_map").ForEach(func(k, v gjson.Result) bool {
		if v.Type == gjson.String {
			m.Add(v.Str, k.String())
		}
		return true
	})

	res.Mapping = m
	return res, nil
}
