package container

import (
	"bufio"
	"strconv"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/nanovisor/nanovisor/internal/ext4"
	"github.com/nanovisor/nanovisor/internal/failure"
)

// defaultPATH is appended to a process's environment whenever neither the
// image config nor an explicit override already sets PATH.
const defaultPATH = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// ResolveProcessSpec merges an OCI image config into a caller-supplied
// ProcessSpec: entrypoint++cmd becomes args when the caller didn't specify
// its own, env is unioned with the default PATH, workingDir becomes cwd
// (default "/"), and the image's string-shaped user is resolved against the
// already-unpacked rootfs into a uid/gid pair (AdditionalGids is not filled
// from /etc/group). Any field
// the caller did set on overrides wins outright; this only fills gaps.
func ResolveProcessSpec(imgCfg *v1.ConfigFile, overrides ProcessSpec, rootfsPath string) (ProcessSpec, error) {
	out := overrides

	if len(out.Args) == 0 && imgCfg != nil {
		args := append([]string{}, imgCfg.Config.Entrypoint...)
		args = append(args, imgCfg.Config.Cmd...)
		out.Args = args
	}

	if imgCfg != nil {
		out.Env = mergeEnv(imgCfg.Config.Env, out.Env)
	}
	out.Env = ensurePATH(out.Env)

	if out.Cwd == "" {
		out.Cwd = "/"
		if imgCfg != nil && imgCfg.Config.WorkingDir != "" {
			out.Cwd = imgCfg.Config.WorkingDir
		}
	}

	if isZeroUser(out.User) && imgCfg != nil && imgCfg.Config.User != "" {
		resolved, err := ResolveUser(rootfsPath, imgCfg.Config.User)
		if err != nil {
			return ProcessSpec{}, err
		}
		out.User = resolved
	}

	return out, nil
}

// mergeEnv appends every image-config env entry whose key isn't already
// present in overrideEnv, preserving overrideEnv's own entries verbatim and
// their order first.
func mergeEnv(imageEnv, overrideEnv []string) []string {
	seen := make(map[string]bool, len(overrideEnv))
	for _, kv := range overrideEnv {
		seen[envKey(kv)] = true
	}
	merged := append([]string{}, overrideEnv...)
	for _, kv := range imageEnv {
		if seen[envKey(kv)] {
			continue
		}
		merged = append(merged, kv)
		seen[envKey(kv)] = true
	}
	return merged
}

// ensurePATH appends defaultPATH when nothing in env already sets PATH.
func ensurePATH(env []string) []string {
	for _, kv := range env {
		if envKey(kv) == "PATH" {
			return env
		}
	}
	return append(env, defaultPATH)
}

func isZeroUser(u UserSpec) bool {
	return u.UID == 0 && u.GID == 0 && len(u.AdditionalGids) == 0
}

func envKey(kv string) string {
	if i := strings.IndexByte(kv, '='); i >= 0 {
		return kv[:i]
	}
	return kv
}

// ResolveUser turns an OCI image config's string-shaped "user" field
// ("name", "uid", "uid:gid", "name:group") into a uid/gid pair by reading
// /etc/passwd (and, for a named group, /etc/group) out of the container's
// already-unpacked rootfs via the ext4 Reader — no kernel mount needed.
func ResolveUser(rootfsPath, user string) (UserSpec, error) {
	if user == "" {
		return UserSpec{}, nil
	}

	namePart, groupPart, hasGroup := strings.Cut(user, ":")

	if uid, err := strconv.ParseUint(namePart, 10, 32); err == nil {
		spec := UserSpec{UID: uint32(uid), GID: uint32(uid)}
		if hasGroup {
			gid, err := resolveGID(rootfsPath, groupPart)
			if err != nil {
				return UserSpec{}, err
			}
			spec.GID = gid
		}
		return spec, nil
	}

	r, err := ext4.Open(rootfsPath)
	if err != nil {
		return UserSpec{}, failure.Wrap(failure.InternalError, "open rootfs for user lookup", err)
	}
	defer r.Close()

	uid, gid, err := lookupPasswdByName(r, namePart)
	if err != nil {
		return UserSpec{}, err
	}
	spec := UserSpec{UID: uid, GID: gid}
	if hasGroup {
		gid, err := resolveGIDFromReader(r, groupPart)
		if err != nil {
			return UserSpec{}, err
		}
		spec.GID = gid
	}
	return spec, nil
}

func resolveGID(rootfsPath, group string) (uint32, error) {
	if gid, err := strconv.ParseUint(group, 10, 32); err == nil {
		return uint32(gid), nil
	}
	r, err := ext4.Open(rootfsPath)
	if err != nil {
		return 0, failure.Wrap(failure.InternalError, "open rootfs for group lookup", err)
	}
	defer r.Close()
	return resolveGIDFromReader(r, group)
}

func resolveGIDFromReader(r *ext4.Reader, group string) (uint32, error) {
	if gid, err := strconv.ParseUint(group, 10, 32); err == nil {
		return uint32(gid), nil
	}
	data, err := r.ReadFile("/etc/group", 0, -1, true)
	if err != nil {
		return 0, failure.Wrap(failure.NotFound, "read /etc/group", err)
	}
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) < 3 || fields[0] != group {
			continue
		}
		gid, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			continue
		}
		return uint32(gid), nil
	}
	return 0, failure.Newf(failure.NotFound, "group %q not found in /etc/group", group)
}

func lookupPasswdByName(r *ext4.Reader, name string) (uid, gid uint32, err error) {
	data, err := r.ReadFile("/etc/passwd", 0, -1, true)
	if err != nil {
		return 0, 0, failure.Wrap(failure.NotFound, "read /etc/passwd", err)
	}
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) < 4 || fields[0] != name {
			continue
		}
		u, err1 := strconv.ParseUint(fields[2], 10, 32)
		g, err2 := strconv.ParseUint(fields[3], 10, 32)
		if err1 != nil || err2 != nil {
			return 0, 0, failure.Newf(failure.InternalError, "malformed /etc/passwd entry for %q", name)
		}
		return uint32(u), uint32(g), nil
	}
	return 0, 0, failure.Newf(failure.NotFound, "user %q not found in /etc/passwd", name)
}
