// Package protocol implements the client side of the Redis serialization
// protocol (RESP2): framing requests, buffering socket reads and decoding
// replies into Values.
//
// The protocol aims to be
//
// - easy to implement
// - efficient to parse
// - binary safe
//
// === General Syntax
//
// - lines are `\r\n` delimited
// - every frame starts with a one byte type tag
// - lengths are decimal, `-1` marks a null bulk string or null array
//
// === Requests
//
// Every request, whatever the command, is an array of bulk strings. The first
// element is the command name.
//
//  ```
//    > *3\r\n
//    > $3\r\nSET\r\n
//    > $3\r\nfoo\r\n
//    > $3\r\nbar\r\n
//  ```
//
// === Replies
//
//  ```
//    +OK\r\n                  simple string
//    -ERR bad arg\r\n         error, returned as a Value not a Go error
//    :42\r\n                  integer
//    $5\r\nhello\r\n          bulk string
//    $-1\r\n                  null bulk string
//    *2\r\n:1\r\n*1\r\n:2\r\n array, elements may be arrays
//    *-1\r\n                  null array
//  ```
//
// Note: an empty bulk string (`$0\r\n\r\n`) and an empty array (`*0\r\n`) are
//       not the same as their null forms. Value.Null tells them apart.
//
// === Streaming commands
//
// SUBSCRIBE, PSUBSCRIBE and MONITOR are framed like any other request but the
// server keeps pushing replies after the first one. IsStreaming reports
// whether a command behaves this way.
//
package protocol
