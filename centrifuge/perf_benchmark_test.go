package centrifuge

import (
	"encoding/json"
	"testing"
)

func benchmarkCommands(b *testing.B, codec Codec) []*Command {
	b.Helper()
	params, err := codec.EncodeParams(MethodSubscribe, &subscribeParams{
		Channel: "orders", Recover: true, Last: "9f0c2a",
	})
	if err != nil {
		b.Fatalf("encode params: %v", err)
	}
	return []*Command{
		{ID: 1, Method: MethodSubscribe, Params: params},
		{ID: 2, Method: MethodPing},
		{Method: MethodSend, Params: json.RawMessage(`{"data":{"n":1}}`)},
	}
}

func BenchmarkJSONEncodeCommands(b *testing.B) {
	codec := newJSONCodec()
	commands := benchmarkCommands(b, codec)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := codec.EncodeCommands(commands); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkJSONDecodeReplies(b *testing.B) {
	frame := []byte(`{"id":1,"result":{"publications":[{"uid":"u2","data":{"n":2}},{"uid":"u1","data":{"n":1}}]}}` + "\n" +
		`{"id":0,"result":{"type":0,"channel":"orders","data":{"uid":"u3","data":{"n":3}}}}`)
	codec := newJSONCodec()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := codec.DecodeReplies(frame); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkProtobufEncodeCommands(b *testing.B) {
	codec := newProtobufCodec()
	commands := benchmarkCommands(b, codec)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := codec.EncodeCommands(commands); err != nil {
			b.Fatal(err)
		}
	}
}
