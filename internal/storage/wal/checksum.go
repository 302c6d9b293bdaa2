package wal

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 涵蓋 Seq、Type、OperationID、RetryCount 與 Message；
// 不包含 Checksum 本身。
func CalculateChecksum(event Event) uint32 {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(event.Seq, 10))
	b.WriteByte('|')
	b.WriteString(string(event.Type))
	b.WriteByte('|')
	b.WriteString(string(event.OperationID))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(event.RetryCount))
	b.WriteByte('|')
	b.WriteString(event.Message)
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
