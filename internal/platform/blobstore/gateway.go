package blobstore

import "strings"

const DefaultGatewayURL = "https://gateway.pinata.cloud/ipfs"

// Gateway turns content hashes into read URLs.
type Gateway struct {
	base string
}

func NewGateway(base string) Gateway {
	if base == "" {
		base = DefaultGatewayURL
	}
	return Gateway{base: strings.TrimRight(base, "/")}
}

func (g Gateway) URL(cid string) string {
	if cid == "" {
		return ""
	}
	return g.base + "/" + cid
}
