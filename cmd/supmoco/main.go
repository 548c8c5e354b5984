// Command supmoco は合成ボリュームコホートで教師ありモメンタムコントラスト学習を行います。
//
//	supmoco train --config run.yaml
//	supmoco resume --config run.yaml --run-id <id>
//	supmoco eval --config run.yaml --run-id <id>
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "supmoco:", err)
		os.Exit(1)
	}
}
