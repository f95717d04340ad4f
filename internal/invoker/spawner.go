package invoker

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// Process is a running build.
type Process interface {
	Pid() int
	// Wait blocks until the process exits.
	Wait() error
	// Kill terminates the process and everything it spawned.
	Kill() error
}

// Spawner launches builds.
type Spawner interface {
	Spawn(req Request) (Process, error)
}

// ExecSpawner runs a command in its own process group. The child is not bound
// to any context, so an orchestrator that dies leaves the build running.
//
// Args may reference {jobId}, {campaignId} and {ideaId}. The same values are
// exported as BUILDQUEUE_JOB_ID, BUILDQUEUE_CAMPAIGN_ID, BUILDQUEUE_IDEA_ID.
type ExecSpawner struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	// LogDir receives <ideaId>.log with the build's combined output. Empty
	// discards output.
	LogDir string
}

// Spawn starts the command.
func (s *ExecSpawner) Spawn(req Request) (Process, error) {
	if s.Command == "" {
		return nil, fmt.Errorf("no build command configured")
	}

	r := strings.NewReplacer("{jobId}", req.JobID, "{campaignId}", req.CampaignID, "{ideaId}", req.IdeaID)
	args := make([]string, len(s.Args))
	for i, a := range s.Args {
		args[i] = r.Replace(a)
	}

	cmd := exec.Command(s.Command, args...)
	cmd.Dir = s.Dir
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env,
		"BUILDQUEUE_JOB_ID="+req.JobID,
		"BUILDQUEUE_CAMPAIGN_ID="+req.CampaignID,
		"BUILDQUEUE_IDEA_ID="+req.IdeaID,
	)
	setProcessGroup(cmd)

	var logFile *os.File
	if s.LogDir != "" {
		if err := os.MkdirAll(s.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(s.LogDir, req.IdeaID+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open build log: %w", err)
		}
		cmd.Stdout = f
		cmd.Stderr = f
		logFile = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("failed to start %s: %w", s.Command, err)
	}
	return &execProcess{cmd: cmd, logFile: logFile}, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	logFile *os.File

	once    sync.Once
	waitErr error
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error {
	p.once.Do(func() {
		p.waitErr = p.cmd.Wait()
		if p.logFile != nil {
			p.logFile.Close()
		}
	})
	return p.waitErr
}

func (p *execProcess) Kill() error {
	return killProcessGroup(p.cmd.Process)
}
