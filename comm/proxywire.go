// File: comm/proxywire.go
// Author: momentics <momentics@gmail.com>
//
// On-wire encoding for a PROXY_MAP_UPDATE message payload (spec.md
// §4.6/§4.9's "gossiped via diffs"). The diff itself
// (handlermap.ProxyDiff) is pure in-process state; this is the
// supplemented serialization needed to carry it over a stream
// connection, grounded on encoding/json since nothing in the retrieval
// pack wraps a binary schema codec for this domain's tiny admin
// control-plane messages (the schema/HQL parser that would otherwise
// own this is explicitly out of scope).

package comm

import "encoding/json"

type proxyDiffWire struct {
	Invalidated map[string]string `json:"invalidated,omitempty"`
	New         map[string]string `json:"new,omitempty"`
}

func encodeProxyDiffWire(invalidated, newBindings map[string]string) []byte {
	payload, err := json.Marshal(proxyDiffWire{Invalidated: invalidated, New: newBindings})
	if err != nil {
		// invalidated/newBindings are always map[string]string; json.Marshal
		// cannot fail on that shape.
		panic("comm: proxy diff marshal: " + err.Error())
	}
	return payload
}

func decodeProxyDiffWire(payload []byte) (proxyDiffWire, error) {
	var diff proxyDiffWire
	err := json.Unmarshal(payload, &diff)
	return diff, err
}
