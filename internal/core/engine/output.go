package engine

import (
	"bufio"
	"io"
	"regexp"
	"strings"
)

var credentialPattern = regexp.MustCompile(`([A-Za-z][A-Za-z0-9+.\-]*://)[^@\s/,]+@`)

// Redact 抹掉 scheme://user:pass@ 形式中的凭据部分。
func Redact(line string) string {
	return credentialPattern.ReplaceAllString(line, "${1}***@")
}

// healthSignal 识别 glider 健康检查的输出行:
//
//	[check] ss://...(1.2.3.4:443), SUCCESS. Elapsed: 210ms
//	[check] ss://...(1.2.3.4:443), FAILED. error: dial tcp: i/o timeout
//
// 返回 (是否成功, 是否为健康检查行)。
func healthSignal(line string) (ok bool, matched bool) {
	if !strings.Contains(line, "[check]") {
		return false, false
	}
	switch {
	case strings.Contains(line, "SUCCESS"):
		return true, true
	case strings.Contains(line, "FAILED"):
		return false, true
	}
	return false, false
}

// maxOutputLine 是单行输出保留的最大字节数，超出部分被丢弃但读取继续。
const maxOutputLine = 256 * 1024

// scanOutput 逐行读取引擎输出，直到 EOF 或读错误。
// 超长的行被截断而不是中止读取，否则管道无人读取，引擎下一次写输出时会收到 EPIPE。
func scanOutput(r io.Reader, onLine func(string)) error {
	br := bufio.NewReaderSize(r, 4096)
	var line []byte
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if room := maxOutputLine - len(line); room > 0 {
			if len(chunk) > room {
				chunk = chunk[:room]
			}
			line = append(line, chunk...)
		}
		if isPrefix {
			continue
		}
		onLine(string(line))
		line = line[:0]
	}
}
