package storage

import "time"

// OpCode identifies a batched mutation.
type OpCode int

const (
	OpZAdd OpCode = iota
	OpZRem
	OpSAdd
	OpSRem
	OpRPush
	OpLRem
	OpHSet
	OpHDel
	OpDel
	OpExpire
)

// Op is one mutation inside an atomic batch. Only the fields relevant to the
// code are consulted.
type Op struct {
	Code   OpCode
	Key    string
	Member string
	Score  float64
	Field  string
	Value  string
	TTL    time.Duration
}

func ZAddOp(key, member string, score float64) Op {
	return Op{Code: OpZAdd, Key: key, Member: member, Score: score}
}

func ZRemOp(key, member string) Op {
	return Op{Code: OpZRem, Key: key, Member: member}
}

func SAddOp(key, member string) Op {
	return Op{Code: OpSAdd, Key: key, Member: member}
}

func SRemOp(key, member string) Op {
	return Op{Code: OpSRem, Key: key, Member: member}
}

func RPushOp(key, value string) Op {
	return Op{Code: OpRPush, Key: key, Value: value}
}

func LRemOp(key, value string) Op {
	return Op{Code: OpLRem, Key: key, Value: value}
}

func HSetOp(key, field, value string) Op {
	return Op{Code: OpHSet, Key: key, Field: field, Value: value}
}

func HDelOp(key, field string) Op {
	return Op{Code: OpHDel, Key: key, Field: field}
}

func DelOp(key string) Op {
	return Op{Code: OpDel, Key: key}
}

func ExpireOp(key string, ttl time.Duration) Op {
	return Op{Code: OpExpire, Key: key, TTL: ttl}
}
