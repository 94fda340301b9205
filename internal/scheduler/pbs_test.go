package scheduler

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestPbsRenderScript(t *testing.T) {
	var buf bytes.Buffer
	if err := newPbsParser().RenderScript(&buf, newTestJob(), "/tmp/sim.pbs"); err != nil {
		t.Fatalf("RenderScript: %v", err)
	}
	out := buf.String()

	for _, directive := range []string{
		"#PBS -N sim\n",
		"#PBS -q shared\n",
		"#PBS -l select=1:ncpus=24:mpiprocs=24\n",
		"#PBS -l walltime=24:00:00\n",
		"#PBS -m abe\n",
		"#PBS -M me@example.org\n",
		"#PBS -o /logs/sim.log\n",
		"#PBS -j oe\n",
	} {
		if n := strings.Count(out, directive); n != 1 {
			t.Errorf("directive %q appears %d times; want exactly once\n%s", directive, n, out)
		}
	}
	if !strings.Contains(out, "cd \"${PBS_O_WORKDIR:-.}\" || exit 1\n") {
		t.Errorf("PBS script must start in the submission directory:\n%s", out)
	}
	if !strings.Contains(out, "./sim --in 'data file'\n_JW_EXIT=$?\n") {
		t.Errorf("missing program line:\n%s", out)
	}
	if !strings.HasSuffix(out, "exit $_JW_EXIT\n") {
		t.Errorf("script must exit with the program status:\n%s", out)
	}
}

func TestPbsRenderArray(t *testing.T) {
	tests := []struct {
		array *ArraySpec
		want  string
	}{
		{&ArraySpec{Start: 1, End: 100, Step: 1, Limit: 10}, "#PBS -J 1-100%10\n"},
		{&ArraySpec{Start: 0, End: 10, Step: 2}, "#PBS -J 0-10:2\n"},
	}
	for _, tt := range tests {
		job := newTestJob()
		job.Specs.Array = tt.array
		job.Specs.Control.MailType = MailNone

		var buf bytes.Buffer
		if err := newPbsParser().RenderScript(&buf, job, ""); err != nil {
			t.Fatal(err)
		}
		out := buf.String()
		if !strings.Contains(out, tt.want) {
			t.Errorf("missing %q in:\n%s", tt.want, out)
		}
		if !strings.Contains(out, "#PBS -m n\n") {
			t.Errorf("mail policy none must be explicit:\n%s", out)
		}
		if !strings.Contains(out, "\"$PBS_ARRAY_INDEX\"\n") {
			t.Errorf("array index must be the last argument:\n%s", out)
		}
	}
}

func TestPbsRenderSingleIndexArray(t *testing.T) {
	for _, array := range []*ArraySpec{
		{Start: 5, End: 5, Step: 1},
		{Start: 5, End: 7, Step: 10, Limit: 2},
	} {
		job := newTestJob()
		job.Specs.Array = array

		var buf bytes.Buffer
		if err := newPbsParser().RenderScript(&buf, job, ""); err != nil {
			t.Fatal(err)
		}
		out := buf.String()
		if strings.Contains(out, "#PBS -J") {
			t.Errorf("%s: a one-index array must not render -J:\n%s", array, out)
		}
		if !strings.Contains(out, "export PBS_ARRAY_INDEX=5\n") || !strings.Contains(out, "\"$PBS_ARRAY_INDEX\"\n") {
			t.Errorf("%s: index 5 must still reach the program:\n%s", array, out)
		}
	}

	job := newTestJob()
	job.Specs.Array = &ArraySpec{Start: 5, End: 5, Step: 1}
	job.Specs.Control.Stdout = ""
	path, err := newPbsParser().CreateScriptWithSpec(job, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(job.Specs.Control.Stdout, "^array_index^") {
		t.Errorf("log path %q uses the array placeholder for a plain job", job.Specs.Control.Stdout)
	}
	if path == "" {
		t.Error("no script path returned")
	}
}

func TestPbsRenderParseRoundTrip(t *testing.T) {
	p := newPbsParser()
	job := newTestJob()
	job.Specs.Array = &ArraySpec{Start: 1, End: 8, Step: 1, Limit: 2}

	path := filepath.Join(t.TempDir(), "sim.pbs")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.RenderScript(f, job, path); err != nil {
		t.Fatal(err)
	}
	f.Close()

	specs, err := p.ReadScriptSpecs(path)
	if err != nil {
		t.Fatalf("ReadScriptSpecs: %v", err)
	}
	if !reflect.DeepEqual(specs.Spec, job.Specs.Spec) {
		t.Errorf("Spec = %+v; want %+v", specs.Spec, job.Specs.Spec)
	}
	if specs.Control != job.Specs.Control {
		t.Errorf("Control = %+v; want %+v", specs.Control, job.Specs.Control)
	}
	if !reflect.DeepEqual(specs.Array, job.Specs.Array) {
		t.Errorf("Array = %+v; want %+v", specs.Array, job.Specs.Array)
	}
	if len(specs.RemainingFlags) != 0 {
		t.Errorf("RemainingFlags = %q; want none", specs.RemainingFlags)
	}
	if want := []string{"./sim", "--in", "data file"}; !reflect.DeepEqual(specs.Command, want) {
		t.Errorf("Command = %q; want %q", specs.Command, want)
	}
}

func TestPbsParseResourceSpec(t *testing.T) {
	p := newPbsParser()

	got, remaining := p.parseResourceSpec([]string{"-l nodes=2:ppn=8,walltime=1:00:00,mem=4gb", "-q long", "-V"})
	want := &ResourceSpec{Nodes: 2, TasksPerNode: 8, Time: time.Hour, Partition: "long"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("spec = %+v; want %+v", got, want)
	}
	if wantRem := []string{"-l mem=4gb", "-V"}; !reflect.DeepEqual(remaining, wantRem) {
		t.Errorf("remaining = %q; want %q", remaining, wantRem)
	}

	// Bare walltime is seconds
	got, _ = p.parseResourceSpec([]string{"-l select=1:ncpus=4,walltime=3600"})
	if got == nil || got.Time != time.Hour {
		t.Errorf("walltime=3600 = %+v; want 1h", got)
	}

	got, _ = p.parseResourceSpec([]string{"-l select=3:ncpus=16"})
	if got == nil || got.Nodes != 3 || got.TasksPerNode != 16 {
		t.Errorf("select without mpiprocs = %+v", got)
	}

	if got, _ := p.parseResourceSpec([]string{"-l walltime=soon"}); got != nil {
		t.Errorf("bad walltime should fall back to passthrough, got %+v", got)
	}
}

func TestPbsMailOptions(t *testing.T) {
	tests := []struct {
		opts string
		ev   MailEvents
	}{
		{"n", MailNone},
		{"abe", MailAll},
		{"b", MailBegin},
		{"be", MailBegin | MailEnd},
	}
	for _, tt := range tests {
		if got := parsePbsMailOptions(tt.opts); got != tt.ev {
			t.Errorf("parsePbsMailOptions(%q) = %v; want %v", tt.opts, got, tt.ev)
		}
		if got := formatPbsMailOptions(tt.ev); got != tt.opts {
			t.Errorf("formatPbsMailOptions(%v) = %q; want %q", tt.ev, got, tt.opts)
		}
	}
}

func TestParseQstatQueues(t *testing.T) {
	output := `Queue: workq
    queue_type = Execution
    resources_max.walltime = 48:00:00
    resources_default.walltime = 01:00:00
    resources_max.ncpus = 128
    resources_max.nodect = 4
    enabled = True

Queue: debug
    queue_type = Execution
    resources_max.walltime = 00:30:00
`
	got := parseQstatQueues(output)
	want := []ResourceLimits{
		{Partition: "workq", MaxTime: 48 * time.Hour, DefaultTime: time.Hour, MaxNodes: 4, MaxCpusPerNode: 128},
		{Partition: "debug", MaxTime: 30 * time.Minute},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseQstatQueues = %+v; want %+v", got, want)
	}

	if def := parseDefaultQueue("Server: pbs01\n    server_state = Active\n    default_queue = workq\n"); def != "workq" {
		t.Errorf("parseDefaultQueue = %q; want workq", def)
	}
}

func TestPbsSubmit(t *testing.T) {
	dir := t.TempDir()
	qsub := writeFakeTool(t, dir, "qsub", `echo "$@" > "$(dirname "$0")/args"
echo "1234.pbs01"`)

	p, err := NewPbsSchedulerWithBinary(qsub)
	if err != nil {
		t.Fatal(err)
	}
	id, err := p.Submit("sim.pbs", []string{"1.pbs01", "2.pbs01"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "1234.pbs01" {
		t.Errorf("job ID = %q; want 1234.pbs01", id)
	}
	args, _ := os.ReadFile(filepath.Join(dir, "args"))
	if got := strings.TrimSpace(string(args)); got != "-W depend=afterok:1.pbs01:2.pbs01 sim.pbs" {
		t.Errorf("qsub args = %q", got)
	}

	if !p.jobIDRe.MatchString("1234[].pbs01") {
		t.Error("array job IDs should be accepted")
	}

	chatty := writeFakeTool(t, t.TempDir(), "qsub", `echo "qsub: would you like a receipt?"`)
	p, err = NewPbsSchedulerWithBinary(chatty)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Submit("sim.pbs", nil); !errors.Is(err, ErrJobIDParseFailed) {
		t.Errorf("unparseable output = %v; want ErrJobIDParseFailed", err)
	}
}

func TestPbsJobState(t *testing.T) {
	dir := t.TempDir()
	qsub := writeFakeTool(t, dir, "qsub", "exit 0")
	writeFakeTool(t, dir, "qstat", `cat <<'EOF'
Job Id: 99.pbs01
    Job_Name = sim
    job_state = F
    Exit_status = -29
EOF`)

	p, err := NewPbsSchedulerWithBinary(qsub)
	if err != nil {
		t.Fatal(err)
	}
	st, err := p.JobState("99.pbs01")
	if err != nil {
		t.Fatalf("JobState: %v", err)
	}
	if st.State != StateTimeout || st.ID != "99.pbs01" {
		t.Errorf("JobState = %+v; want TIMEOUT", st)
	}
}

func TestPbsGetJobResources(t *testing.T) {
	t.Setenv("PBS_JOBID", "99.pbs01")
	t.Setenv("PBS_QUEUE", "workq")
	t.Setenv("NCPUS", "24")

	res := newPbsParser().GetJobResources()
	if res == nil || res.JobID != "99.pbs01" || res.Partition != "workq" {
		t.Fatalf("GetJobResources = %+v", res)
	}
	if res.TasksPerNode == nil || *res.TasksPerNode != 24 {
		t.Errorf("TasksPerNode = %v; want 24", res.TasksPerNode)
	}
}
