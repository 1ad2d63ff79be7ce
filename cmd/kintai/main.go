// Command kintai は勤怠エージェントAPIサーバーとジョブワーカーを起動する。
//
// 使い方:
//
//	kintai [serve|worker|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/kintai/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "kintai: %v\n", err)
		os.Exit(1)
	}
}
