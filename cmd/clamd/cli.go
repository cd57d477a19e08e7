package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/nixpig/clamworker/internal/admission"
	"github.com/nixpig/clamworker/internal/archive"
	"github.com/nixpig/clamworker/internal/auth"
	"github.com/nixpig/clamworker/internal/config"
	"github.com/nixpig/clamworker/internal/dispatch"
	"github.com/nixpig/clamworker/internal/manager"
	"github.com/nixpig/clamworker/internal/profile"
	"github.com/nixpig/clamworker/internal/project"
	"github.com/nixpig/clamworker/internal/upload"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const version = "0.0.1"

type options struct {
	configPath string
	envFile    string
	debug      bool
	user       string
	role       string
}

type cli struct {
	manager *manager.Manager
	logger  zerolog.Logger
}

func newCLI() *cli {
	return &cli{}
}

func (c *cli) rootCmd() *cobra.Command {
	opts := &options{}

	command := &cobra.Command{
		Use:          "clamd",
		Short:        "Manage projects and runs of a command-line tool",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := zerolog.InfoLevel
			if opts.debug {
				level = zerolog.DebugLevel
			}

			c.logger = zerolog.New(zerolog.ConsoleWriter{
				Out:        cmd.ErrOrStderr(),
				TimeFormat: time.RFC3339,
			}).Level(level).With().Timestamp().Logger()

			cfg, err := config.Load(opts.configPath, opts.envFile)
			if err != nil {
				return err
			}

			c.manager, err = manager.New(cfg, manager.WithLogger(c.logger))
			if err != nil {
				return err
			}

			id, err := auth.Static{User: opts.user, Role: auth.Role(opts.role)}.Authenticate(cmd.Context())
			if err != nil {
				return err
			}

			cmd.SetContext(auth.WithIdentity(cmd.Context(), id))

			return nil
		},
	}

	command.AddCommand(
		c.projectCmd(),
		c.statusCmd(),
		c.streamCmd(),
		c.startCmd(),
		c.abortCmd(),
		c.inputCmd(),
		c.outputCmd(),
		c.archiveCmd(),
		c.actionCmd(),
		c.usersCmd(),
		c.corporaCmd(),
	)

	command.CompletionOptions.HiddenDefaultCmd = true

	command.PersistentFlags().StringVar(&opts.configPath, "config", "clam.yaml", "Path to service configuration")
	command.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Path to environment overrides")
	command.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logs")
	command.PersistentFlags().StringVar(&opts.user, "user", os.Getenv("USER"), "User to act as")
	command.PersistentFlags().StringVar(&opts.role, "role", string(auth.RoleOperator), "Role of the user")

	return command
}

// identity returns the caller after checking it holds required on projects
// owned by its own user.
func (c *cli) identity(cmd *cobra.Command, required auth.Permission) (auth.Identity, error) {
	id, err := auth.IdentityFromContext(cmd.Context())
	if err != nil {
		return auth.Identity{}, err
	}

	if err := auth.Authorise(cmd.Context(), required, id.User); err != nil {
		return auth.Identity{}, err
	}

	return id, nil
}

func (c *cli) projectCmd() *cobra.Command {
	command := &cobra.Command{
		Use:   "project",
		Short: "Create, list and remove projects",
	}

	create := &cobra.Command{
		Use:     "create [flags] [PROJECT]",
		Short:   "Create a project, generating an id when none is given",
		Example: "  clamd project create mycorpus",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := c.identity(cmd, auth.PermissionProjectCreate)
			if err != nil {
				return err
			}

			projectID := newProjectID()
			if len(args) == 1 {
				projectID = args[0]
			}

			if _, err := c.manager.CreateProject(id.User, projectID); err != nil {
				return mapError(err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), projectID)

			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := c.identity(cmd, auth.PermissionProjectRead)
			if err != nil {
				return err
			}

			summaries, err := c.manager.Projects(id.User)
			if err != nil {
				return mapError(err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			fmt.Fprintf(w, "PROJECT\tSTATE\tCREATED\t\n")

			for _, s := range summaries {
				state := "Unknown"
				if status, err := c.manager.Status(id.User, s.ID); err == nil {
					state = status.State.String()
				}

				fmt.Fprintf(w, "%s\t%s\t%s\t\n", s.ID, state, humanize.Time(s.Created))
			}

			return w.Flush()
		},
	}

	var abortOnly bool

	remove := &cobra.Command{
		Use:     "delete [flags] PROJECT",
		Short:   "Delete a project, aborting its run first",
		Example: "  clamd project delete mycorpus",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			required := auth.PermissionProjectDelete
			if abortOnly {
				required = auth.PermissionProjectAbort
			}

			id, err := c.identity(cmd, required)
			if err != nil {
				return err
			}

			return mapError(c.manager.Delete(cmd.Context(), id.User, args[0], abortOnly))
		},
	}

	remove.Flags().BoolVar(&abortOnly, "abort-only", false, "Abort the run but keep the project")

	reset := &cobra.Command{
		Use:   "reset PROJECT",
		Short: "Discard the outputs of a finished project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := c.identity(cmd, auth.PermissionProjectWrite)
			if err != nil {
				return err
			}

			return mapError(c.manager.Reset(id.User, args[0]))
		},
	}

	token := &cobra.Command{
		Use:   "token PROJECT",
		Short: "Print the access token of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := c.identity(cmd, auth.PermissionProjectRead)
			if err != nil {
				return err
			}

			t, err := c.manager.AccessToken(id.User, args[0])
			if err != nil {
				return mapError(err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), t)

			return nil
		},
	}

	command.AddCommand(create, list, remove, reset, token)

	return command
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status PROJECT",
		Short:   "Show the state and progress log of a project",
		Example: "  clamd status mycorpus",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := c.identity(cmd, auth.PermissionProjectRead)
			if err != nil {
				return err
			}

			status, err := c.manager.Status(id.User, args[0])
			if err != nil {
				return mapError(err)
			}

			writeStatus(cmd.OutOrStdout(), status)

			return nil
		},
	}
}

func (c *cli) streamCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "stream PROJECT",
		Short:   "Stream the status log of a project until it finishes",
		Example: "  clamd stream mycorpus",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := c.identity(cmd, auth.PermissionProjectRead)
			if err != nil {
				return err
			}

			r, err := c.manager.FollowStatus(cmd.Context(), id.User, args[0])
			if err != nil {
				return mapError(err)
			}
			defer r.Close()

			if _, err := io.Copy(cmd.OutOrStdout(), r); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}

				return mapError(err)
			}

			return nil
		},
	}
}

func writeStatus(out io.Writer, status *project.Status) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "STATE\tCOMPLETION\tEXIT STATUS\tMESSAGE\t\n")

	exit := "-"
	if status.State == project.StateDone {
		exit = fmt.Sprint(status.ExitStatus)
	}

	fmt.Fprintf(w, "%s\t%d%%\t%s\t%s\t\n", status.State, status.Completion, exit, status.Message)

	w.Flush()

	for _, entry := range status.Log {
		fmt.Fprintf(out, "  %s  %s\n", entry.Timestamp, entry.Message)
	}
}

func (c *cli) startCmd() *cobra.Command {
	var params map[string]string

	command := &cobra.Command{
		Use:     "start [flags] PROJECT",
		Short:   "Start the run of a project",
		Example: "  clamd start mycorpus --param lang=nl",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := c.identity(cmd, auth.PermissionProjectStart)
			if err != nil {
				return err
			}

			result, err := c.manager.Start(cmd.Context(), id.User, args[0], manager.StartRequest{
				Parameters: params,
			})
			if err != nil {
				return mapError(err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", result.PID)

			return nil
		},
	}

	command.Flags().StringToStringVar(&params, "param", nil, "Run parameter as id=value")

	return command
}

func (c *cli) abortCmd() *cobra.Command {
	var timeout time.Duration

	command := &cobra.Command{
		Use:   "abort [flags] PROJECT",
		Short: "Abort the run of a project and wait for it to stop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := c.identity(cmd, auth.PermissionProjectAbort)
			if err != nil {
				return err
			}

			ctx := cmd.Context()

			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			return mapError(c.manager.Abort(ctx, id.User, args[0]))
		},
	}

	command.Flags().DurationVar(&timeout, "timeout", 0, "Give up waiting after this long (0 waits forever)")

	return command
}

func (c *cli) inputCmd() *cobra.Command {
	command := &cobra.Command{
		Use:   "input",
		Short: "Add, list, show and delete input files",
	}

	var (
		templateID string
		rawURL     string
		contents   string
		filename   string
		converter  string
		metadata   map[string]string
	)

	add := &cobra.Command{
		Use:   "add [flags] PROJECT [FILE]",
		Short: "Add an input file from disk, a URL or inline contents",
		Example: "  clamd input add mycorpus doc.txt --template text\n" +
			"  clamd input add mycorpus --url https://example.org/doc.txt --template text",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := c.identity(cmd, auth.PermissionProjectWrite)
			if err != nil {
				return err
			}

			req := upload.Request{
				Filename:   filename,
				TemplateID: templateID,
				URL:        rawURL,
				Contents:   contents,
				Converter:  converter,
				Metadata:   metadata,
			}

			if len(args) == 2 {
				f, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer f.Close()

				req.Body = f

				if req.Filename == "" {
					req.Filename = filepath.Base(args[1])
				}
			}

			added, err := c.manager.AddInput(cmd.Context(), id.User, args[0], req)

			for _, a := range added {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", a.Name, a.Template)
			}

			return mapError(err)
		},
	}

	add.Flags().StringVar(&templateID, "template", "", "Input template id")
	add.Flags().StringVar(&rawURL, "url", "", "Fetch the file from a URL")
	add.Flags().StringVar(&contents, "contents", "", "Use the given text as the file contents")
	add.Flags().StringVar(&filename, "name", "", "Name to store the file under")
	add.Flags().StringVar(&converter, "converter", "", "Converter to apply")
	add.Flags().StringToStringVar(&metadata, "meta", nil, "Metadata attribute as id=value")

	source := &cobra.Command{
		Use:   "source [flags] PROJECT SOURCE",
		Short: "Add a pre-installed input source",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := c.identity(cmd, auth.PermissionProjectWrite)
			if err != nil {
				return err
			}

			added, err := c.manager.AddInputSource(cmd.Context(), id.User, args[0], args[1], metadata)

			for _, a := range added {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", a.Name, a.Template)
			}

			return mapError(err)
		},
	}

	source.Flags().StringToStringVar(&metadata, "meta", nil, "Metadata attribute as id=value")

	command.AddCommand(
		add,
		source,
		c.listFilesCmd(project.KindInput),
		c.catFileCmd(project.KindInput),
		c.deleteFileCmd(project.KindInput),
	)

	return command
}

func (c *cli) outputCmd() *cobra.Command {
	command := &cobra.Command{
		Use:   "output",
		Short: "List, show and delete output files",
	}

	command.AddCommand(
		c.listFilesCmd(project.KindOutput),
		c.catFileCmd(project.KindOutput),
		c.deleteFileCmd(project.KindOutput),
	)

	return command
}

func (c *cli) listFilesCmd(kind project.Kind) *cobra.Command {
	return &cobra.Command{
		Use:   "list PROJECT",
		Short: "List " + kind.String() + " files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := c.identity(cmd, auth.PermissionProjectRead)
			if err != nil {
				return err
			}

			list := c.manager.Inputs
			if kind == project.KindOutput {
				list = c.manager.Outputs
			}

			files, err := list(id.User, args[0])
			if err != nil {
				return mapError(err)
			}

			writeFiles(cmd.OutOrStdout(), files)

			return nil
		},
	}
}

func writeFiles(out io.Writer, files []manager.FileInfo) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "NAME\tTEMPLATE\tSIZE\tVIEWERS\tCONVERTERS\t\n")

	for _, f := range files {
		template := f.Template
		if template == "" {
			template = "-"
		}

		fmt.Fprintf(
			w,
			"%s\t%s\t%s\t%s\t%s\t\n",
			f.Name,
			template,
			humanize.IBytes(uint64(f.Size)),
			strings.Join(f.Viewers, ","),
			strings.Join(f.Converters, ","),
		)
	}

	w.Flush()
}

func (c *cli) catFileCmd(kind project.Kind) *cobra.Command {
	return &cobra.Command{
		Use:   "cat PROJECT NAME",
		Short: "Print " + kind.String() + " file contents",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := c.identity(cmd, auth.PermissionProjectRead)
			if err != nil {
				return err
			}

			open := c.manager.OpenInput
			if kind == project.KindOutput {
				open = c.manager.OpenOutput
			}

			f, err := open(id.User, args[0], args[1])
			if err != nil {
				return mapError(err)
			}
			defer f.Close()

			_, err = io.Copy(cmd.OutOrStdout(), f)

			return err
		},
	}
}

func (c *cli) deleteFileCmd(kind project.Kind) *cobra.Command {
	return &cobra.Command{
		Use:   "delete PROJECT [NAME]",
		Short: "Delete a " + kind.String() + " file, or all of them",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := c.identity(cmd, auth.PermissionProjectWrite)
			if err != nil {
				return err
			}

			var name string
			if len(args) == 2 {
				name = args[1]
			}

			remove := c.manager.DeleteInput
			if kind == project.KindOutput {
				remove = c.manager.DeleteOutput
			}

			return mapError(remove(id.User, args[0], name))
		},
	}
}

func (c *cli) archiveCmd() *cobra.Command {
	var format string

	command := &cobra.Command{
		Use:     "archive [flags] PROJECT",
		Short:   "Package the outputs of a finished project",
		Example: "  clamd archive mycorpus --format zip",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := c.identity(cmd, auth.PermissionProjectRead)
			if err != nil {
				return err
			}

			a, err := c.manager.Archive(cmd.Context(), id.User, args[0], format)
			if err != nil {
				return mapError(err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), a.Path)

			return nil
		},
	}

	command.Flags().StringVar(
		&format,
		"format",
		archive.FormatZip,
		"Archive format ("+strings.Join(archive.Formats, ", ")+")",
	)

	return command
}

func (c *cli) actionCmd() *cobra.Command {
	var params map[string]string

	command := &cobra.Command{
		Use:     "action [flags] ACTION",
		Short:   "Run an action and print its output",
		Example: "  clamd action wordcount --param text=hello",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := c.identity(cmd, auth.PermissionActionRun)
			if err != nil {
				return err
			}

			result, err := c.manager.RunAction(cmd.Context(), id.User, args[0], params)
			if err != nil {
				return mapError(err)
			}

			cmd.OutOrStdout().Write(result.Output)

			if result.Outcome != dispatch.OutcomeOK {
				return fmt.Errorf("action %s: %s (exit status %d)", args[0], result.Outcome, result.ExitStatus)
			}

			return nil
		},
	}

	command.Flags().StringToStringVar(&params, "param", nil, "Action parameter as id=value")

	return command
}

func (c *cli) usersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List all users with projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := c.identity(cmd, auth.PermissionAdmin); err != nil {
				return err
			}

			users, err := c.manager.Users()
			if err != nil {
				return err
			}

			for _, u := range users {
				fmt.Fprintln(cmd.OutOrStdout(), u)
			}

			return nil
		},
	}
}

func (c *cli) corporaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "corpora",
		Short: "List pre-installed corpora",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := c.identity(cmd, auth.PermissionProjectRead); err != nil {
				return err
			}

			corpora, err := c.manager.Corpora()
			if err != nil {
				return err
			}

			for _, name := range corpora {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}

			return nil
		},
	}
}

// newProjectID returns a random id made of word characters only.
func newProjectID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// mapError translates engine errors to human-readable messages.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var (
		stateErr  project.InvalidStateError
		paramErr  *manager.ParameterError
		resErr    *admission.InsufficientResourcesError
		spawnErr  *dispatch.SpawnError
		formatErr *upload.FormatError
	)

	switch {
	case errors.Is(err, project.ErrProjectNotFound):
		return errors.New("project not found")
	case errors.Is(err, project.ErrFileNotFound):
		return errors.New("file not found")
	case errors.As(err, &stateErr):
		return fmt.Errorf("project is %s", strings.ToLower(stateErr.From().String()))
	case errors.As(err, &paramErr):
		return fmt.Errorf("%s", paramErr.Errors.Error())
	case errors.As(err, &resErr):
		return fmt.Errorf("%s, try again later", resErr.Reason)
	case errors.Is(err, profile.ErrNoMatchingProfile):
		return errors.New("the input files do not match any profile")
	case errors.Is(err, upload.ErrUniqueTemplate):
		return errors.New("the input template accepts only one file and already has one")
	case errors.As(err, &formatErr):
		return fmt.Errorf("%s is not valid for %s: %v", formatErr.Name, formatErr.Template, formatErr.Err)
	case errors.As(err, &spawnErr):
		return fmt.Errorf("unable to launch %s", spawnErr.Command)
	case errors.Is(err, archive.ErrInProgress):
		return errors.New("another archive is being built, try again later")
	case errors.Is(err, auth.ErrUnauthorised):
		return errors.New("permission denied")
	default:
		return err
	}
}
