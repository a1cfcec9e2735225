package admission

import "strings"

const tokenMarker = "token="

// ExtractToken pulls the token out of a query-style parameter blob such as
// "?token=abc&foo=bar". The value runs from the first "token=" to the next
// "&" or the end of the string.
//
// A blob without the marker returns ErrMissingToken. A marker with an empty
// value returns ErrInvalidToken.
func ExtractToken(param string) (string, error) {
	i := strings.Index(param, tokenMarker)
	if i < 0 {
		return "", ErrMissingToken
	}
	rest := param[i+len(tokenMarker):]
	if j := strings.IndexByte(rest, '&'); j >= 0 {
		rest = rest[:j]
	}
	if rest == "" {
		return "", ErrInvalidToken
	}
	return rest, nil
}
