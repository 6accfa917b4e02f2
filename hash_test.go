package mmm

import (
	"bytes"
	"testing"
	"time"

	"gopkg.in/mgo.v2/bson"
)

// canonicalHash()

func TestHashKeyOrderInsensitive(t *testing.T) {
	a, err := canonicalHash(bson.M{"a": 1, "b": 2})
	if err != nil {
		t.Fatal(err)
	}
	b, err := canonicalHash(bson.M{"b": 2, "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fail()
	}
}

func TestHashNestedKeyOrderInsensitive(t *testing.T) {
	a, _ := canonicalHash(bson.M{"x": bson.M{"a": 1, "b": 2}, "y": []interface{}{bson.M{"c": 3, "d": 4}}})
	b, _ := canonicalHash(bson.M{"y": []interface{}{bson.M{"d": 4, "c": 3}}, "x": bson.M{"b": 2, "a": 1}})
	if a != b {
		t.Fail()
	}
}

func TestHashListOrderSensitive(t *testing.T) {
	a, _ := canonicalHash(bson.M{"l": []interface{}{1, 2}})
	b, _ := canonicalHash(bson.M{"l": []interface{}{2, 1}})
	if a == b {
		t.Fail()
	}
}

func TestHashContentSensitive(t *testing.T) {
	a, _ := canonicalHash(bson.M{"v": "a"})
	b, _ := canonicalHash(bson.M{"v": "b"})
	if a == b {
		t.Fail()
	}
}

func TestHashMapVariantsAgree(t *testing.T) {
	a, _ := canonicalHash(bson.M{"x": bson.M{"a": 1}})
	b, _ := canonicalHash(bson.M{"x": map[string]interface{}{"a": 1}})
	c, _ := canonicalHash(bson.M{"x": bson.D{{Name: "a", Value: 1}}})
	if a != b || a != c {
		t.Fail()
	}
}

// canonicalEncode() extended JSON forms

func TestEncodeObjectId(t *testing.T) {
	if got := encodeString(t, bson.ObjectIdHex("545b4f8ef095528dd0f3863b")); got != `{"$oid":"545b4f8ef095528dd0f3863b"}` {
		t.Fatal(got)
	}
}

func TestEncodeTime(t *testing.T) {
	when := time.Unix(1419043454, 520*int64(time.Millisecond))
	if got := encodeString(t, when); got != `{"$date":1419043454520}` {
		t.Fatal(got)
	}
}

func TestEncodeMongoTimestamp(t *testing.T) {
	ts := bson.MongoTimestamp(1419043454<<32 | 7)
	if got := encodeString(t, ts); got != `{"$timestamp":{"i":7,"t":1419043454}}` {
		t.Fatal(got)
	}
}

func TestEncodeSortedDocument(t *testing.T) {
	doc := bson.M{"b": 2, "a": bson.M{"z": nil, "y": true}}
	if got := encodeString(t, doc); got != `{"a":{"y":true,"z":null},"b":2}` {
		t.Fatal(got)
	}
}

func encodeString(t *testing.T, v interface{}) string {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := canonicalEncode(buf, v); err != nil {
		t.Fatal(err)
	}
	return buf.String()
}
