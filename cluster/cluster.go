/*
Copyright © 2026 the Flume authors.
This file is part of Flume.

Flume is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

Flume is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with Flume.  If not, see <http://www.gnu.org/licenses/>.
*/

package cluster

import (
	"encoding/csv"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Launcher starts worker processes on remote nodes using the external
// ssh command, with stdout routed to per-node log files. Rank 0 usually
// runs in the launching process; the launcher starts ranks 1..size−1.
type Launcher struct {
	// Command is the worker command to run on each node; the launcher
	// appends the rank arguments.
	Command string
	// LogDir receives one log file per node.
	LogDir string

	Log logrus.FieldLogger
}

// Start spawns the worker for the given rank on addr. The command is
// told its rank, the mesh size, and the full address list.
func (l *Launcher) Start(addr string, rank int, addrs []string) error {
	log := l.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	args := fmt.Sprintf("%s --rank=%d --size=%d --nodes=%s", l.Command, rank, len(addrs), joinAddrs(addrs))
	log.WithFields(logrus.Fields{"addr": addr, "rank": rank}).Info("spawning worker")
	cmd := exec.Command("ssh", addr, args)

	f, err := os.Create(filepath.Join(l.LogDir, addr+".log"))
	if err != nil {
		return err
	}
	cmd.Stdout = f
	cmd.Stderr = f

	go func() {
		if err := cmd.Run(); err != nil {
			if err.Error() == "signal: killed" {
				log.WithField("addr", addr).Infof("worker expected error: %v", err)
			} else {
				log.WithField("addr", addr).Errorf("worker error: %v", err)
			}
		}
		f.Close()
	}()
	return nil
}

func joinAddrs(addrs []string) string {
	out := ""
	for i, a := range addrs {
		if i > 0 {
			out += ","
		}
		out += a
	}
	return out
}

// NodeFile reads the node list from $FLUME_NODEFILE, falling back to
// $PBS_NODEFILE, and returns the unique nodes in first-seen order.
func NodeFile() ([]string, error) {
	fname := os.Getenv("FLUME_NODEFILE")
	if fname == "" {
		fname = os.Getenv("PBS_NODEFILE")
	}
	if fname == "" {
		return nil, fmt.Errorf("cluster: neither $FLUME_NODEFILE nor $PBS_NODEFILE is defined")
	}
	f, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	lines, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var nodes []string
	for _, l := range lines {
		if len(l) == 0 || seen[l[0]] {
			continue
		}
		seen[l[0]] = true
		nodes = append(nodes, l[0])
	}
	return nodes, nil
}
