package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 所有邏輯在 internal/cli，main 只負責執行與回報頂層錯誤
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/fieldsync/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "嚴重錯誤: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "錯誤: %v\n", err)
		os.Exit(1)
	}
}
