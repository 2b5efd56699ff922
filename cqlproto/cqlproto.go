// Package cqlproto holds the wire constants of the CQL native protocol v3/v4
// subset this proxy understands: opcodes, error codes, and result kinds.
// Values match the protocol spec and original_source/src/proxy.c's constants.
package cqlproto

// Opcode identifies the kind of a frame body.
type Opcode uint8

const (
	OpError       Opcode = 0x00
	OpStartup     Opcode = 0x01
	OpReady       Opcode = 0x02
	OpAuthenticate Opcode = 0x03
	OpOptions     Opcode = 0x05
	OpSupported   Opcode = 0x06
	OpQuery       Opcode = 0x07
	OpResult      Opcode = 0x08
	OpPrepare     Opcode = 0x09
	OpExecute     Opcode = 0x0A
	OpRegister    Opcode = 0x0B
	OpEvent       Opcode = 0x0C
)

// ErrorCode is the 4-byte code carried in the body of an ERROR frame.
type ErrorCode int32

const (
	ErrServer       ErrorCode = 0x0000
	ErrProtocol     ErrorCode = 0x000A
	ErrOverloaded   ErrorCode = 0x1001
	ErrInvalidQuery ErrorCode = 0x2200
)

// ResultKind is the 4-byte kind field in the body of a RESULT frame.
type ResultKind int32

const (
	ResultVoid         ResultKind = 0x0001
	ResultRows         ResultKind = 0x0002
	ResultSetKeyspace  ResultKind = 0x0003
	ResultPrepared     ResultKind = 0x0004
	ResultSchemaChange ResultKind = 0x0005
)

// OutboundVersion is the version byte this proxy always writes on replies.
const OutboundVersion uint8 = 0x04

// MinInboundVersion and MaxInboundVersion bound the versions this proxy will
// accept from a client.
const (
	MinInboundVersion uint8 = 0x03
	MaxInboundVersion uint8 = 0x04
)

// MaxBodyLength is the largest body-length this proxy will accept before
// treating the frame as a protocol error and closing the connection.
const MaxBodyLength = 8 * 1024 * 1024

// FrameHeaderSize is the fixed size, in bytes, of every frame header.
const FrameHeaderSize = 9

// ColumnType is the 2-byte type id used in result metadata.
type ColumnType uint16

const (
	TypeAscii ColumnType = 0x0001
	TypeInt   ColumnType = 0x0009
	TypeUUID  ColumnType = 0x000C
	TypeVarchar ColumnType = 0x000D
	TypeInet  ColumnType = 0x0010
	TypeSet   ColumnType = 0x0022
)
