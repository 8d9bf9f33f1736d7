// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package envelope

import (
	"bytes"
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"
)

// getFuzzRounds returns the number of fuzz rounds from FUZZ_ROUNDS env var, default 1000
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

// getFuzzSeed returns the seed from FUZZ_SEED env var, or generates one from current time
func getFuzzSeed() int64 {
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if seed, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			return seed
		}
	}
	return time.Now().UnixNano()
}

// newFuzzRng creates a new random number generator and logs the seed for reproducibility
func newFuzzRng(t *testing.T) *rand.Rand {
	seed := getFuzzSeed()
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

// randomFrame builds random envelope inputs
func randomFrame(rng *rand.Rand) (uint32, FrameType, uint32, []byte) {
	frameType := FrameType(rng.Intn(2))
	id := rng.Uint32() & 0x1FFFFFFF
	var payload []byte
	if frameType == FrameData {
		payload = make([]byte, rng.Intn(MaxPayloadSize+1))
		rng.Read(payload)
	}
	return rng.Uint32(), frameType, id, payload
}

// TestFuzzEnvelope_RoundTrip encodes random frames and decodes them back
func TestFuzzEnvelope_RoundTrip(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	for i := 0; i < rounds; i++ {
		elapsed, frameType, id, payload := randomFrame(rng)
		data := Encode(elapsed, frameType, id, payload)

		env, err := Decode(data)
		if err != nil {
			t.Fatalf("round %d: decode failed: %v", i, err)
		}
		if env.Elapsed != elapsed || env.Type != frameType || env.ID != id || !bytes.Equal(env.Payload, payload) {
			t.Fatalf("round %d: round trip mismatch: %+v", i, env)
		}
	}
}

// TestFuzzEnvelope_BitFlips flips one random bit in the verified region and
// checks that the corruption is always detected
func TestFuzzEnvelope_BitFlips(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)

	for i := 0; i < rounds; i++ {
		elapsed, frameType, id, payload := randomFrame(rng)
		data := Encode(elapsed, frameType, id, payload)

		pos := LengthSize + rng.Intn(len(data)-LengthSize)
		data[pos] ^= 1 << uint(rng.Intn(8))

		if Verify(data) {
			t.Fatalf("round %d: bit flip at byte %d not detected", i, pos)
		}
	}
}

// TestFuzzDecoder_RandomBytes feeds random bytes to the line decoder
// and verifies it doesn't crash or panic
func TestFuzzDecoder_RandomBytes(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)

	alphabet := []byte("<>#\r\n0123456789ABCDEFabcdefXYZ \x00\xFF")
	for i := 0; i < rounds; i++ {
		d := NewDecoder()
		length := rng.Intn(512) + 1
		for j := 0; j < length; j++ {
			d.DecodeByte(alphabet[rng.Intn(len(alphabet))])
		}
	}
}

// TestFuzzDecoder_LinesWithNoise interleaves valid lines with garbage lines
// and checks that every valid line is recovered
func TestFuzzDecoder_LinesWithNoise(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)

	for i := 0; i < rounds; i++ {
		var stream []byte
		noise := make([]byte, rng.Intn(32))
		for j := range noise {
			// Anything except line starts and terminators
			noise[j] = byte('G' + rng.Intn(20))
		}
		stream = append(stream, noise...)
		stream = append(stream, '\n')

		elapsed, frameType, id, payload := randomFrame(rng)
		stream = AppendLine(stream, Encode(elapsed, frameType, id, payload))

		d := NewDecoder()
		var got *Message
		for _, b := range stream {
			msg, _ := d.DecodeByte(b)
			if msg != nil {
				got = msg
			}
		}
		if got == nil || got.Envelope == nil || got.Envelope.ID != id {
			t.Fatalf("round %d: valid line not recovered after noise", i)
		}
	}
}
