package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	submissionFileName     = "submission.txt"
	classificationFileName = "classification.tsv"
	noRequestID            = "-"
)

var errCorruptState = errors.New("corrupt run state")

// submissionState is the last submission made for one input file. reads and
// firstID record which reads the request covered; zero values mean unknown.
type submissionState struct {
	packetSize int
	sentPacket int
	requestID  string
	reads      int
	firstID    string
}

// live reports whether the state holds a request that may still be retrieved.
func (s *submissionState) live() bool {
	return s != nil && s.requestID != "" && s.requestID != noRequestID
}

// covers reports whether the live request was made for exactly the reads of
// pk. A request whose extent is unknown covers nothing.
func (s *submissionState) covers(pk *packet) bool {
	if !s.live() || pk.size() == 0 {
		return false
	}
	return s.sentPacket == pk.index && s.reads == pk.size() && s.firstID == pk.seqs[0].id
}

func (s submissionState) encode() []byte {
	rid := s.requestID
	if rid == "" {
		rid = noRequestID
	}
	out := fmt.Sprintf("packet_size: %d\nsent_packet_num: %d\nRequest_ID: %s\n", s.packetSize, s.sentPacket, rid)
	if s.reads > 0 {
		out += fmt.Sprintf("packet_reads: %d\nfirst_query_id: %s\n", s.reads, s.firstID)
	}
	return []byte(out)
}

func writeSubmissionState(path string, s submissionState) error {
	if err := writeFileAtomic(path, s.encode()); err != nil {
		return fmt.Errorf("write submission state: %w", err)
	}
	return nil
}

func readSubmissionState(path string) (*submissionState, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	values := make(map[string]string, 3)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: %s: bad line %q", errCorruptState, path, line)
		}
		values[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}

	size, err := strconv.Atoi(values["packet_size"])
	if err != nil || size <= 0 {
		return nil, fmt.Errorf("%w: %s: packet_size %q", errCorruptState, path, values["packet_size"])
	}
	sent, err := strconv.Atoi(values["sent_packet_num"])
	if err != nil || sent <= 0 {
		return nil, fmt.Errorf("%w: %s: sent_packet_num %q", errCorruptState, path, values["sent_packet_num"])
	}
	rid, ok := values["Request_ID"]
	if !ok || rid == "" {
		return nil, fmt.Errorf("%w: %s: Request_ID missing", errCorruptState, path)
	}
	state := &submissionState{packetSize: size, sentPacket: sent, requestID: rid}
	if v, ok := values["packet_reads"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: %s: packet_reads %q", errCorruptState, path, v)
		}
		state.reads = n
		state.firstID = values["first_query_id"]
	}
	return state, nil
}

func removeSubmissionState(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove submission state: %w", err)
	}
	return nil
}
