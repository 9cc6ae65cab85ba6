// Package auth implements the HMAC-SHA256 signature contracts: subscription
// auth tokens for private/presence/encrypted channels, user signin tokens,
// and Pusher v1.1 request signing for the HTTP control API.
package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// MaxTimestampSkew bounds |now - auth_timestamp| on signed HTTP requests.
const MaxTimestampSkew = 600 * time.Second

// AuthVersion is the only accepted auth_version parameter value.
const AuthVersion = "1.0"

func hmacHex(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// ChannelAuth signs a subscription to channel from socketID. channelData is
// the raw channel_data string for presence channels, empty otherwise.
func ChannelAuth(key, secret, socketID, channel, channelData string) string {
	toSign := socketID + ":" + channel
	if channelData != "" {
		toSign += ":" + channelData
	}
	return key + ":" + hmacHex(secret, toSign)
}

// VerifyChannelAuth checks token against the expected subscription signature
// in constant time.
func VerifyChannelAuth(key, secret, socketID, channel, channelData, token string) bool {
	expected := ChannelAuth(key, secret, socketID, channel, channelData)
	return hmac.Equal([]byte(expected), []byte(token))
}

// UserAuth signs a pusher:signin user_data payload for socketID.
func UserAuth(key, secret, socketID, userData string) string {
	return key + ":" + hmacHex(secret, socketID+"::user::"+userData)
}

// VerifyUserAuth checks a signin token in constant time.
func VerifyUserAuth(key, secret, socketID, userData, token string) bool {
	expected := UserAuth(key, secret, socketID, userData)
	return hmac.Equal([]byte(expected), []byte(token))
}

// BodySignature signs a webhook body: lowercase hex HMAC-SHA256 of the raw
// bytes, carried in the X-Pusher-Signature header.
func BodySignature(secret string, body []byte) string {
	return hmacHex(secret, string(body))
}

// VerifyBodySignature checks a webhook signature in constant time.
func VerifyBodySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(BodySignature(secret, body)), []byte(signature))
}

// BodyMD5 returns the lowercase hex MD5 of a request body.
func BodyMD5(body []byte) string {
	sum := md5.Sum(body)
	return hex.EncodeToString(sum[:])
}

// canonicalString builds METHOD\nPATH\nsorted&urlencoded(params) with the
// auth_signature parameter removed and keys lowercased.
func canonicalString(method, path string, params url.Values) string {
	canon := url.Values{}
	for k, vs := range params {
		lk := strings.ToLower(k)
		if lk == "auth_signature" {
			continue
		}
		for _, v := range vs {
			canon.Add(lk, v)
		}
	}
	return strings.ToUpper(method) + "\n" + path + "\n" + canon.Encode()
}

// SignRequest computes the auth_signature for an HTTP API request. params
// must already carry auth_key, auth_timestamp, auth_version, and body_md5
// when the body is non-empty.
func SignRequest(secret, method, path string, params url.Values) string {
	return hmacHex(secret, canonicalString(method, path, params))
}

// SignedParams returns a copy of params completed with the standard auth
// parameters and signature. Intended for clients and tests.
func SignedParams(key, secret, method, path string, params url.Values, body []byte, now time.Time) url.Values {
	signed := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			signed.Add(k, v)
		}
	}
	signed.Set("auth_key", key)
	signed.Set("auth_timestamp", strconv.FormatInt(now.Unix(), 10))
	signed.Set("auth_version", AuthVersion)
	if len(body) > 0 {
		signed.Set("body_md5", BodyMD5(body))
	}
	signed.Set("auth_signature", SignRequest(secret, method, path, signed))
	return signed
}

// VerifyRequest validates a signed HTTP API request. Any failure yields an
// error suitable for a 401 response; signature comparison is constant-time.
func VerifyRequest(key, secret, method, path string, params url.Values, body []byte, now time.Time) error {
	if got := params.Get("auth_key"); got != key {
		return fmt.Errorf("auth_key mismatch")
	}
	if got := params.Get("auth_version"); got != AuthVersion {
		return fmt.Errorf("auth_version %q not supported", got)
	}

	tsRaw := params.Get("auth_timestamp")
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return fmt.Errorf("auth_timestamp %q is not a unix timestamp", tsRaw)
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxTimestampSkew {
		return fmt.Errorf("auth_timestamp outside the %s window", MaxTimestampSkew)
	}

	if len(body) > 0 {
		if got := params.Get("body_md5"); !hmac.Equal([]byte(got), []byte(BodyMD5(body))) {
			return fmt.Errorf("body_md5 mismatch")
		}
	}

	expected := SignRequest(secret, method, path, params)
	if !hmac.Equal([]byte(expected), []byte(params.Get("auth_signature"))) {
		return fmt.Errorf("auth_signature mismatch")
	}
	return nil
}
