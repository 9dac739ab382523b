// Package pac generates the Proxy Auto-Config script served at /pac and
// /proxy.pac: a fixed FindProxyForURL template with one upstream SOCKS5
// endpoint interpolated in.
package pac

import "fmt"

const template = `// Proxy Auto-Config file for Vulpini
// Generated by Vulpini Proxy Server

function FindProxyForURL(url, host) {
    // Direct connection for local addresses
    if (isPlainHostName(host) || shExpMatch(host, "*.local") || isIpAddress(host)) {
        return "DIRECT";
    }

    // Direct connection for intranet
    if (isInNet(host, "10.0.0.0", "255.0.0.0") ||
        isInNet(host, "172.16.0.0", "255.240.0.0") ||
        isInNet(host, "192.168.0.0", "255.255.0.0") ||
        isInNet(host, "127.0.0.0", "255.255.255.0")) {
        return "DIRECT";
    }

    // Use SOCKS5 proxy for all other connections
    return "SOCKS5 %s";
}
`

// ContentType is the MIME type a PAC response must be served with.
const ContentType = "application/x-ns-proxy-autoconfig"

// Generate renders the PAC script for the given SOCKS5 "host:port"
// endpoint. If socks5Addr is empty, it defaults to "127.0.0.1:1080".
func Generate(socks5Addr string) string {
	if socks5Addr == "" {
		socks5Addr = "127.0.0.1:1080"
	}
	return fmt.Sprintf(template, socks5Addr)
}
