package mmm

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"gopkg.in/mgo.v2/bson"
)

// canonicalHash returns the lowercase hex MD5 of the canonical JSON encoding
// of doc. Canonical means mapping keys are sorted lexicographically at every
// nesting level and non-primitive BSON values use their extended JSON
// representation, so independently written replicator processes agree on the
// bytes being hashed.
func canonicalHash(doc bson.M) (string, error) {
	buf := &bytes.Buffer{}
	if err := canonicalEncode(buf, doc); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", md5.Sum(buf.Bytes())), nil
}

func canonicalEncode(buf *bytes.Buffer, value interface{}) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
	case bson.M:
		return encodeSortedMap(buf, v)
	case map[string]interface{}:
		return encodeSortedMap(buf, v)
	case bson.D:
		m := make(map[string]interface{}, len(v))
		for _, e := range v {
			m[e.Name] = e.Value
		}
		return encodeSortedMap(buf, m)
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := canonicalEncode(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case bson.ObjectId:
		fmt.Fprintf(buf, `{"$oid":%q}`, v.Hex())
	case time.Time:
		fmt.Fprintf(buf, `{"$date":%d}`, v.UnixNano()/int64(time.Millisecond))
	case bson.MongoTimestamp:
		fmt.Fprintf(buf, `{"$timestamp":{"i":%d,"t":%d}}`, uint32(v), uint32(v>>32))
	case []byte:
		fmt.Fprintf(buf, `{"$binary":%q,"$type":"00"}`, base64.StdEncoding.EncodeToString(v))
	case bson.Binary:
		fmt.Fprintf(buf, `{"$binary":%q,"$type":"%02x"}`, base64.StdEncoding.EncodeToString(v.Data), v.Kind)
	case bson.RegEx:
		fmt.Fprintf(buf, `{"$options":%q,"$regex":%q}`, v.Options, v.Pattern)
	default:
		// Strings, booleans and numbers encode as plain JSON.
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("canonical encoding of %T: %v", v, err)
		}
		buf.Write(data)
	}
	return nil
}

func encodeSortedMap(buf *bytes.Buffer, m map[string]interface{}) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(k)
		if err != nil {
			return err
		}
		buf.Write(name)
		buf.WriteByte(':')
		if err := canonicalEncode(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}
