// Gatewayのエントリポイント。
// クレデンシャルの検証、Tierごとのレート制限、接頭辞によるバックエンドへの転送を担当する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
