// Command vulpini runs the proxy server.
package main

import "github.com/vulpini/proxy/cmd"

func main() {
	cmd.Execute()
}
