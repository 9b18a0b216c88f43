package sharding

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseItemParameters parses "0=Beijing,1=Shanghai" into item -> parameter.
func ParseItemParameters(s string) (map[int]string, error) {
	ret := make(map[int]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("sharding item parameter %q is not item=value", pair)
		}
		item, err := strconv.Atoi(strings.TrimSpace(kv[0]))
		if err != nil || item < 0 {
			return nil, fmt.Errorf("sharding item parameter %q has an invalid item", pair)
		}
		if _, dup := ret[item]; dup {
			return nil, fmt.Errorf("sharding item %d has more than one parameter", item)
		}
		ret[item] = strings.TrimSpace(kv[1])
	}
	return ret, nil
}
