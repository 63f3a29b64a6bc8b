package chunker

import (
	"strings"
)

// block は行のまとまりを表します
// トレースブロックは分割不可の単位としてチャンク化される
type block struct {
	lines     []string
	startLine int // 1始まり
	isTrace   bool
}

func (b block) text() string {
	return strings.Join(b.lines, "\n")
}

func (b block) endLine() int {
	return b.startLine + len(b.lines) - 1
}

// detectBlocks は行プレフィックスのヒューリスティクスで
// マルチライン診断トレースをブロックとしてまとめます
// トレース以外の行は1行1ブロック
func detectBlocks(lines []string) []block {
	var blocks []block
	inTrace := false

	for i, line := range lines {
		switch {
		case inTrace && isTraceContinuation(line, true):
			last := &blocks[len(blocks)-1]
			last.lines = append(last.lines, line)

		case isTraceStart(line):
			blocks = append(blocks, block{lines: []string{line}, startLine: i + 1, isTrace: true})
			inTrace = true

		case isTraceContinuation(line, false):
			// トレース開始行を見逃した場合（例: 任意のエラーメッセージ直後の "at ..."）
			// 直前の単独行をトレース先頭として取り込む
			if n := len(blocks); n > 0 && !blocks[n-1].isTrace && len(blocks[n-1].lines) == 1 && strings.TrimSpace(blocks[n-1].lines[0]) != "" {
				blocks[n-1].isTrace = true
				blocks[n-1].lines = append(blocks[n-1].lines, line)
			} else {
				blocks = append(blocks, block{lines: []string{line}, startLine: i + 1, isTrace: true})
			}
			inTrace = true

		default:
			blocks = append(blocks, block{lines: []string{line}, startLine: i + 1})
			inTrace = false
		}
	}

	return blocks
}

// traceStartPrefixes はトレースの開始行を示すプレフィックス
var traceStartPrefixes = []string{
	"Traceback (most recent call last)",
	"panic:",
	"fatal error:",
	"goroutine ",
	"Caused by:",
}

// isTraceStart は行がトレースの開始かどうかを判定します
func isTraceStart(line string) bool {
	trimmed := strings.TrimSpace(line)
	for _, prefix := range traceStartPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	// JVM系の "com.example.FooException: ..." 形式
	if strings.Contains(trimmed, "Exception") && strings.Contains(trimmed, ".") {
		return true
	}
	return false
}

// traceContinuationPrefixes はトレースの継続行を示すプレフィックス
var traceContinuationPrefixes = []string{
	"File \"",
	"Caused by:",
	"... ",
}

// isTraceContinuation は行がトレースの継続かどうかを判定します
// inTrace が真の場合のみ、マーカーのない単なるインデント行も継続とみなす
// （Goのファイル位置行、Pythonのソース行などのフレーム詳細）
func isTraceContinuation(line string, inTrace bool) bool {
	if strings.TrimSpace(line) == "" {
		return false
	}
	trimmed := strings.TrimLeft(line, " \t")
	indented := len(trimmed) < len(line)

	// インデントされた "at com.example.Foo(Foo.java:10)" 形式のフレーム行
	if indented && strings.HasPrefix(trimmed, "at ") {
		return true
	}
	for _, prefix := range traceContinuationPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	if strings.Contains(trimmed, "in <module>") {
		return true
	}
	return inTrace && indented
}
