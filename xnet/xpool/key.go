package xpool

import (
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/josephcopenhaver/go-exp-pooled-http-client/xascii"
	"github.com/josephcopenhaver/go-exp-pooled-http-client/xexec"
)

// maxHostnameLength is the maximum length of a hostname according to RFC 1035 and RFC 1123.
const (
	maxHostnameLength = 253
	schemeHTTP        = "http"
	schemeHTTPS       = "https"
)

var (
	errMaxHostnameLengthExceeded = errors.New("hostname exceeds maximum length as per RFC 1035 and RFC 1123")
	errNoHostInRequestURL        = errors.New("http: no Host in request URL")
	errUnsupportedScheme         = errors.New("unsupported scheme in request URL: expected one of http or https")
	errInvalidPort               = errors.New("host-port separator in address without a valid port after it")
)

// ChannelKey identifies a pool partition. Two requests share connections
// only when every field is equal, including the execution loop.
type ChannelKey struct {
	Scheme         string
	Host           string
	Port           uint16
	ConnectTimeout time.Duration
	LoopID         uint64
}

// NewChannelKey derives the partition for u. A nil loop yields LoopID 0,
// a partition shared by requests that are not pinned to a loop.
func NewChannelKey(u *url.URL, connectTimeout time.Duration, loop *xexec.Loop) (ChannelKey, error) {
	var k ChannelKey

	switch {
	case len(u.Scheme) == 0:
		return k, errors.New("empty scheme in request URL: expected one of http or https")
	case xascii.EqualsIgnoreCase(u.Scheme, schemeHTTP):
		k.Scheme = schemeHTTP
		k.Port = 80
	case xascii.EqualsIgnoreCase(u.Scheme, schemeHTTPS):
		k.Scheme = schemeHTTPS
		k.Port = 443
	default:
		return k, errUnsupportedScheme
	}

	k.Host = u.Hostname()
	if k.Host == "" {
		return k, errNoHostInRequestURL
	}

	if len(k.Host) > maxHostnameLength {
		return k, errMaxHostnameLengthExceeded
	}

	if portStr := u.Port(); portStr != "" {
		portVal, err := strconv.ParseInt(portStr, 10, 32)
		if err != nil || portVal <= 0 || portVal > math.MaxUint16 {
			return k, errInvalidPort
		}
		k.Port = uint16(portVal)
	}

	k.ConnectTimeout = connectTimeout
	if loop != nil {
		k.LoopID = loop.ID()
	}

	return k, nil
}

func (k ChannelKey) Secure() bool {
	return k.Scheme == schemeHTTPS
}

// Address is the host:port pair to dial.
func (k ChannelKey) Address() string {
	return net.JoinHostPort(k.Host, strconv.Itoa(int(k.Port)))
}

func (k ChannelKey) String() string {
	return fmt.Sprintf("%s://%s[connect=%s,loop=%d]", k.Scheme, k.Address(), k.ConnectTimeout, k.LoopID)
}
