// SPDX-License-Identifier:Apache-2.0

package jsonrpc

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"

	"go.universe.tf/torsync/internal/ovsdb"
)

// message is any JSON-RPC 1.0 message: a request, a notification
// (request with a null id) or a response.
type message struct {
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
	ID     json.RawMessage `json:"id"`
}

type request struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
	ID     interface{}   `json:"id"`
}

type response struct {
	Result interface{} `json:"result"`
	Error  interface{} `json:"error"`
	ID     interface{} `json:"id"`
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// encodeValue converts an engine column value to its wire form.
func encodeValue(v interface{}) interface{} {
	switch v := v.(type) {
	case ovsdb.RowHandle:
		return []interface{}{"uuid", string(v)}
	case ovsdb.NamedRow:
		return []interface{}{"named-uuid", string(v)}
	case []interface{}:
		elems := make([]interface{}, 0, len(v))
		for _, e := range v {
			elems = append(elems, encodeValue(e))
		}
		return []interface{}{"set", elems}
	}
	return v
}

func encodeFields(f ovsdb.Fields) map[string]interface{} {
	ret := make(map[string]interface{}, len(f))
	for k, v := range f {
		ret[k] = encodeValue(v)
	}
	return ret
}

func where(op ovsdb.RowOp) []interface{} {
	if op.Row != "" {
		return []interface{}{[]interface{}{"_uuid", "==", encodeValue(op.Row)}}
	}
	cols := make([]string, 0, len(op.Match))
	for k := range op.Match {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	ret := make([]interface{}, 0, len(cols))
	for _, k := range cols {
		ret = append(ret, []interface{}{k, "==", encodeValue(op.Match[k])})
	}
	return ret
}

// encodeOp converts a row operation into an operation object of a
// transact request.
func encodeOp(op ovsdb.RowOp) (map[string]interface{}, error) {
	ret := map[string]interface{}{"table": string(op.Table)}
	switch op.Op {
	case ovsdb.OpAdd:
		ret["op"] = "insert"
		ret["row"] = encodeFields(op.Fields)
		if op.Name != "" {
			ret["uuid-name"] = string(op.Name)
		}
	case ovsdb.OpChange:
		ret["op"] = "update"
		ret["where"] = where(op)
		ret["row"] = encodeFields(op.Fields)
	case ovsdb.OpDelete:
		ret["op"] = "delete"
		ret["where"] = where(op)
	default:
		return nil, errors.Errorf("unknown row operation %v", op.Op)
	}
	if op.Op != ovsdb.OpAdd && op.Row == "" && len(op.Match) == 0 {
		return nil, errors.Errorf("%s on %s selects no row", op.Op, op.Table)
	}
	return ret, nil
}

// decodeValue converts a wire value into an engine column value.
func decodeValue(raw json.RawMessage) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return convert(v)
}

func convert(v interface{}) (interface{}, error) {
	switch v := v.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		return v.String(), nil
	case []interface{}:
		if len(v) != 2 {
			return nil, errors.Errorf("malformed value %v", v)
		}
		tag, _ := v[0].(string)
		switch tag {
		case "uuid":
			s, _ := v[1].(string)
			return ovsdb.RowHandle(s), nil
		case "named-uuid":
			s, _ := v[1].(string)
			return ovsdb.NamedRow(s), nil
		case "set":
			elems, _ := v[1].([]interface{})
			if len(elems) == 0 {
				return nil, nil
			}
			ret := make([]interface{}, 0, len(elems))
			for _, e := range elems {
				c, err := convert(e)
				if err != nil {
					return nil, err
				}
				ret = append(ret, c)
			}
			return ret, nil
		case "map":
			pairs, _ := v[1].([]interface{})
			ret := map[string]interface{}{}
			for _, p := range pairs {
				kv, ok := p.([]interface{})
				if !ok || len(kv) != 2 {
					return nil, errors.Errorf("malformed map pair %v", p)
				}
				k, err := convert(kv[0])
				if err != nil {
					return nil, err
				}
				val, err := convert(kv[1])
				if err != nil {
					return nil, err
				}
				ks, _ := k.(string)
				ret[ks] = val
			}
			return ret, nil
		}
		return nil, errors.Errorf("unknown value tag %q", tag)
	}
	return v, nil
}

func decodeRow(row map[string]json.RawMessage) (ovsdb.Fields, error) {
	ret := make(ovsdb.Fields, len(row))
	for col, raw := range row {
		v, err := decodeValue(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding column %q", col)
		}
		if v != nil {
			ret[col] = v
		}
	}
	return ret, nil
}

type rowUpdate struct {
	Old map[string]json.RawMessage `json:"old,omitempty"`
	New map[string]json.RawMessage `json:"new,omitempty"`
}

type tableUpdates map[string]map[string]rowUpdate

// transactSucceeded reports whether every operation of a transact
// result succeeded.
func transactSucceeded(result json.RawMessage) bool {
	var results []map[string]interface{}
	if err := json.Unmarshal(result, &results); err != nil {
		return false
	}
	for _, r := range results {
		if r == nil {
			continue
		}
		if e, ok := r["error"]; ok && e != nil {
			return false
		}
	}
	return true
}
