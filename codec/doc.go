/*
Package codec encodes the values exchanged over gateway channels.

Values are encoded as CBOR. Whatever a channel's sender passes to Send is marshaled into the payload of a DATA frame,
and the receiver decodes it back into plain Go values: booleans, int64, float64, strings, []byte, []any and
map[string]any. Structs round-trip through their `json` tags, which lets records such as the remote info be sent
from one side as a map and decoded on the other side into a typed struct.
*/
package codec
