package vmexec

import (
	"encoding/json"
	"testing"

	"golang.org/x/sys/unix"
)

func TestMountFlagsTranslatesRecognizedOptions(t *testing.T) {
	tests := []struct {
		name    string
		options []string
		want    uintptr
	}{
		{"empty", nil, 0},
		{"rw carries no flag", []string{"rw"}, 0},
		{"ro", []string{"ro"}, unix.MS_RDONLY},
		{"rbind is bind plus recursive", []string{"rbind"}, unix.MS_BIND | unix.MS_REC},
		{
			"combination",
			[]string{"nosuid", "nodev", "noexec"},
			unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MountFlags(tt.options); got != tt.want {
				t.Fatalf("MountFlags(%v) = %#x, want %#x", tt.options, got, tt.want)
			}
		})
	}
}

func TestSpecRoundTripsThroughJSON(t *testing.T) {
	spec := Spec{
		Mode:       ModeRun,
		Args:       []string{"/bin/sh", "-c", "true"},
		Env:        []string{"PATH=/bin"},
		Cwd:        "/",
		UID:        1000,
		GID:        1000,
		Groups:     []uint32{100, 200},
		Rlimits:    map[string]uint64{"nofile": 1024},
		Terminal:   true,
		RootfsPath: "/run/container/abc/rootfs",
		Mounts: []MountSpec{
			{Type: "proc", Source: "proc", Destination: "/proc", Flags: 0},
		},
		Hostname: "abc",
	}

	data, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Spec
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.Mode != spec.Mode || got.RootfsPath != spec.RootfsPath || got.Hostname != spec.Hostname {
		t.Fatalf("round-tripped spec = %+v, want %+v", got, spec)
	}
	if len(got.Mounts) != 1 || got.Mounts[0].Destination != "/proc" {
		t.Fatalf("round-tripped mounts = %+v", got.Mounts)
	}
}

func TestUnexpectedAckErrorMessage(t *testing.T) {
	err := &unexpectedAckError{got: "Nope", want: ackPid}
	if err.Error() != "unexpected ack: got Nope, want AckPid" {
		t.Fatalf("unexpected error message: %s", err.Error())
	}
}
