package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 紀錄的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
)

// CalculateChecksum 計算紀錄的 CRC32 校驗和
//
// 涵蓋除 Checksum 以外的所有欄位，欄位間以 '|' 分隔避免拼接歧義
func CalculateChecksum(e Entry) uint32 {
	buf := make([]byte, 0, 96)
	buf = strconv.AppendUint(buf, e.Seq, 10)
	buf = append(buf, '|')
	buf = append(buf, e.Op...)
	buf = append(buf, '|')
	buf = strconv.AppendUint(buf, uint64(e.ID), 10)
	buf = append(buf, '|')
	buf = strconv.AppendInt(buf, e.SecondsLeft, 10)
	buf = append(buf, '|')
	buf = strconv.AppendInt(buf, e.OriginalSeconds, 10)
	buf = append(buf, '|')
	buf = strconv.AppendInt(buf, e.Timestamp, 10)

	return crc32.ChecksumIEEE(buf)
}

// VerifyChecksum 驗證紀錄的校驗和是否正確
func VerifyChecksum(e Entry) bool {
	return e.Checksum == CalculateChecksum(e)
}
