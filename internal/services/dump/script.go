package dump

import (
	"strings"

	"github.com/kballard/go-shellquote"
)

// Word is one shell word made of literal and variable parts.
type Word []part

type part struct {
	text  string
	isVar bool
}

// Lit returns a literal word, quoted when rendered.
func Lit(s string) Word {
	return Word{{text: s}}
}

// Var returns a word expanding the shell variable name.
func Var(name string) Word {
	return Word{{text: name, isVar: true}}
}

// Cat joins words without separating whitespace.
func Cat(words ...Word) Word {
	var out Word
	for _, w := range words {
		out = append(out, w...)
	}
	return out
}

func (w Word) String() string {
	var b, lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			b.WriteString(shellquote.Join(lit.String()))
			lit.Reset()
		}
	}
	for _, p := range w {
		if p.isVar {
			flush()
			b.WriteString(`"$` + p.text + `"`)
			continue
		}
		lit.WriteString(p.text)
	}
	flush()
	if b.Len() == 0 {
		return "''"
	}
	return b.String()
}

// Lits converts plain strings to literal words.
func Lits(args ...string) []Word {
	words := make([]Word, len(args))
	for i, a := range args {
		words[i] = Lit(a)
	}
	return words
}

// Command is a simple command with optional redirections.
type Command struct {
	Args         []Word
	Stdout       Word // redirect stdout to this path when set
	StderrToOut  bool
	StderrToNull bool
}

// Cmd builds a command from words.
func Cmd(args ...Word) Command {
	return Command{Args: args}
}

// Run builds a command from literal strings.
func Run(args ...string) Command {
	return Command{Args: Lits(args...)}
}

// With appends words to the command.
func (c Command) With(args ...Word) Command {
	c.Args = append(append([]Word(nil), c.Args...), args...)
	return c
}

// To redirects stdout to path.
func (c Command) To(path Word) Command {
	c.Stdout = path
	return c
}

func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+2)
	for _, a := range c.Args {
		parts = append(parts, a.String())
	}
	if c.StderrToOut {
		parts = append(parts, "2>&1")
	}
	if c.StderrToNull {
		parts = append(parts, "2>/dev/null")
	}
	if len(c.Stdout) > 0 {
		parts = append(parts, ">", c.Stdout.String())
	}
	return strings.Join(parts, " ")
}

// Inline renders the command as a single string for nested shells such as
// su -c. Variables are still expanded by the outer shell.
func (c Command) Inline() Word {
	var out Word
	for i, a := range c.Args {
		if i > 0 {
			out = append(out, part{text: " "})
		}
		for _, p := range a {
			if p.isVar {
				out = append(out, p)
				continue
			}
			out = append(out, part{text: shellquote.Join(p.text)})
		}
	}
	if c.StderrToNull {
		out = append(out, part{text: " 2>/dev/null"})
	}
	return out
}

// Script accumulates remote shell lines.
type Script struct {
	lines []string
	depth int
}

func (s *Script) line(text string) {
	s.lines = append(s.lines, strings.Repeat("\t", s.depth)+text)
}

// Exec appends a pipeline of commands.
func (s *Script) Exec(cmds ...Command) *Script {
	rendered := make([]string, len(cmds))
	for i, c := range cmds {
		rendered[i] = c.String()
	}
	s.line(strings.Join(rendered, " | "))
	return s
}

// Set appends a shell option line.
func (s *Script) Set(opts ...string) *Script {
	s.line("set " + strings.Join(opts, " "))
	return s
}

// WhileDir repeats body while dir exists.
func (s *Script) WhileDir(dir Word, body func(*Script)) *Script {
	return s.block("while [[ -d "+dir.String()+" ]]; do", "done", body)
}

// UnlessFile runs body when path is not a regular file.
func (s *Script) UnlessFile(path Word, body func(*Script)) *Script {
	return s.block("if [[ ! -f "+path.String()+" ]]; then", "fi", body)
}

// UnlessDir runs body when path is not a directory.
func (s *Script) UnlessDir(path Word, body func(*Script)) *Script {
	return s.block("if [[ ! -d "+path.String()+" ]]; then", "fi", body)
}

// ForEachLine runs body with name bound to each word of listFile.
func (s *Script) ForEachLine(name string, listFile Word, body func(*Script)) *Script {
	return s.block("for "+name+" in $(cat "+listFile.String()+"); do", "done", body)
}

// OnExit registers cmd to run when the script exits for any reason.
func (s *Script) OnExit(cmd Command) *Script {
	s.line("trap " + shellquote.Join(cmd.String()) + " 0")
	return s
}

func (s *Script) block(open, close string, body func(*Script)) *Script {
	s.line(open)
	s.depth++
	body(s)
	s.depth--
	s.line(close)
	return s
}

func (s *Script) String() string {
	return strings.Join(s.lines, "\n") + "\n"
}
