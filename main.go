// Command catalog keeps a sharded product catalog in sync with a retail site.
package main

import "github.com/JakeFAU/realtime-cpi-catalog/cmd"

func main() {
	cmd.Execute()
}
