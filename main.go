// Command rollup-manager runs the Cartesi-style rollup machine manager.
package main

import "github.com/cartesi-corp/rollup-manager/cmd"

func main() {
	cmd.Execute()
}
