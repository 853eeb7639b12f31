// Package analyzer 实现 CSV 数据质量分析：按分块扫描空值行并统计每列重复值。
package analyzer

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strings"
)

// DefaultChunkSize 是每个分块处理的数据行数。
const DefaultChunkSize = 100_000

// nullSentinels 是被视为缺失数据的字符串形式（先去除首尾空白并转小写后匹配）。
// 集合是封闭的，不提供配置。
var nullSentinels = map[string]struct{}{
	"":          {},
	"null":      {},
	"none":      {},
	"undefined": {},
	"nan":       {},
	"n/a":       {},
	"na":        {},
}

// IsNullLike 判断一个单元格是否应被归类为缺失值。
func IsNullLike(cell string) bool {
	_, ok := nullSentinels[strings.ToLower(strings.TrimSpace(cell))]
	return ok
}

// Stage 标识一次进度回调处于分析的哪个阶段。
type Stage int

const (
	// StageLoaded 表示文件结构已读出（列数与估算行数可用）。
	StageLoaded Stage = iota
	// StageChunk 表示完成了一个分块。
	StageChunk
	// StageDone 表示全部分块处理完毕，携带精确总数。
	StageDone
)

// Progress 是分析过程中的进度快照。
// TotalRows 在 StageDone 之前是按换行符预统计的估算值（引号内换行会造成偏差），
// StageDone 时为精确值。
type Progress struct {
	Stage         Stage
	ProcessedRows int64
	TotalRows     int64
	NullRows      int64
	TotalColumns  int64
	Duplicates    map[string]int64
}

// ProgressFunc 在每个分块结束后被调用。回调应当快速返回，不得阻塞分块处理
// 之外的工作（发布事件后立即返回）。
type ProgressFunc func(p Progress)

// Result 是一次完整分析的输出。
type Result struct {
	NullRows        int64
	DuplicateCounts map[string]int64
	TotalRows       int64
	TotalColumns    int64
}

// Analyze 按 chunkSize 行的分块扫描 path 指向的 CSV 文件。
//
// 空值判定：单元格去除首尾空白并转小写后命中 nullSentinels 即视为缺失；
// 任一单元格缺失的行记为一个空值行。重复统计：以原始字符串（不做任何
// 裁剪或归一化）为键逐列计数，缺失类单元格不参与；某列的重复数是该列中
// 非首次出现的值的总个数，没有重复的列不出现在结果里。
//
// 行数不含表头。取消检查发生在分块边界，ctx 取消时返回 ctx 的错误。
func Analyze(ctx context.Context, path string, chunkSize int, cb ProgressFunc) (*Result, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	estimatedRows, err := countDataRows(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Op: "open", Err: err}
	}
	defer f.Close()

	reader := csv.NewReader(f)

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ParseError{Row: 1, Err: errors.New("csv file is empty")}
		}
		return nil, wrapReadError(err)
	}
	totalColumns := int64(len(header))

	if cb != nil {
		cb(Progress{Stage: StageLoaded, TotalRows: estimatedRows, TotalColumns: totalColumns})
	}

	var (
		rows        int64
		nullRows    int64
		rowsInChunk int
		valueCounts = make([]map[string]int64, len(header))
	)
	for i := range valueCounts {
		valueCounts[i] = make(map[string]int64)
	}

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, wrapReadError(err)
		}

		rows++
		rowsInChunk++

		isNullRow := false
		for i, cell := range record {
			if IsNullLike(cell) {
				isNullRow = true
				continue
			}
			if i < len(valueCounts) {
				valueCounts[i][cell]++
			}
		}
		if isNullRow {
			nullRows++
		}

		if rowsInChunk == chunkSize {
			rowsInChunk = 0
			if cb != nil {
				cb(Progress{
					Stage:         StageChunk,
					ProcessedRows: rows,
					TotalRows:     estimatedRows,
					NullRows:      nullRows,
					TotalColumns:  totalColumns,
				})
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}
	}

	if rowsInChunk > 0 && cb != nil {
		cb(Progress{
			Stage:         StageChunk,
			ProcessedRows: rows,
			TotalRows:     estimatedRows,
			NullRows:      nullRows,
			TotalColumns:  totalColumns,
		})
	}

	duplicates := make(map[string]int64)
	for i, counts := range valueCounts {
		var dup int64
		for _, c := range counts {
			if c >= 2 {
				dup += c - 1
			}
		}
		if dup > 0 {
			duplicates[header[i]] += dup
		}
	}

	if cb != nil {
		cb(Progress{
			Stage:         StageDone,
			ProcessedRows: rows,
			TotalRows:     rows,
			NullRows:      nullRows,
			TotalColumns:  totalColumns,
			Duplicates:    duplicates,
		})
	}

	return &Result{
		NullRows:        nullRows,
		DuplicateCounts: duplicates,
		TotalRows:       rows,
		TotalColumns:    totalColumns,
	}, nil
}

// wrapReadError 把 encoding/csv 的错误翻译成本包的错误类型。
func wrapReadError(err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return &ParseError{Row: pe.Line, Err: pe.Err}
	}
	return &IOError{Op: "read", Err: err}
}

// countDataRows 快速统计数据行数（换行符计数减去表头），用于进度估算。
func countDataRows(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, &IOError{Op: "open", Err: err}
	}
	defer f.Close()

	var (
		count    int64
		lastByte byte
		total    int64
	)
	buf := make([]byte, 1024*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			total += int64(n)
			for _, b := range buf[:n] {
				if b == '\n' {
					count++
				}
			}
			lastByte = buf[n-1]
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, &IOError{Op: "read", Err: err}
		}
	}
	if total > 0 && lastByte != '\n' {
		count++
	}
	if count > 0 {
		count--
	}
	return count, nil
}
