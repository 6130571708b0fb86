package ddnio

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ParseAddress parses the "tcp://ip:port?k=v&k2=v2" form used by NioGroup.
// The query part is optional.
func ParseAddress(addr string) (config NetPollConfig, argMap map[string]string, err error) {
	rawAddr, rawArgs, _ := strings.Cut(addr, "?")
	argMap = make(map[string]string)
	if rawArgs != "" {
		for _, v := range strings.Split(rawArgs, "&") {
			k, val, ok := strings.Cut(v, "=")
			if !ok || k == "" {
				return config, nil, fmt.Errorf("%w: bad argument %q", ErrBadAddress, v)
			}
			argMap[k] = val
		}
	}
	scheme, hostPort, ok := strings.Cut(rawAddr, "//")
	if !ok || !strings.EqualFold(scheme, "tcp:") {
		return config, nil, fmt.Errorf("%w: not supported protocol in %q", ErrBadAddress, addr)
	}
	// an ipv6 address may be written bare, fe80::1:8080, so the port is
	// whatever follows the last colon
	i := strings.LastIndexByte(hostPort, ':')
	if i < 0 {
		return config, nil, fmt.Errorf("%w: missing port in %q", ErrBadAddress, addr)
	}
	host := strings.TrimSuffix(strings.TrimPrefix(hostPort[:i], "["), "]")
	if strings.Contains(host, ":") {
		config.Protocol = TCP_V6
	} else {
		config.Protocol = TCP_V4
	}
	if host != "" {
		config.IP = net.ParseIP(host)
		if config.IP == nil {
			return config, nil, fmt.Errorf("%w: bad ip %q", ErrBadAddress, host)
		}
	}
	config.Port, err = strconv.Atoi(hostPort[i+1:])
	if err != nil || config.Port < 0 || config.Port > 65535 {
		return config, nil, fmt.Errorf("%w: bad port in %q", ErrBadAddress, addr)
	}
	return config, argMap, nil
}

// listenLevel turns the level argument (1 to 10) into a share of n listeners.
func listenLevel(argMap map[string]string, n int) (int, error) {
	v, ok := argMap["level"]
	if !ok {
		return 1, nil
	}
	level, err := strconv.Atoi(v)
	if err != nil || level < 0 || level > 10 {
		return 0, fmt.Errorf("%w: level is bad value %q", ErrBadAddress, v)
	}
	level = n * level / 10
	if level == 0 {
		level = 1
	}
	return level, nil
}
