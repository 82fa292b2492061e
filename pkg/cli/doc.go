/*
Package cli provides command-line helpers used by the ipquota command.

Output Formatting:

Results can be printed as text, JSON or CSV. Types that implement Tabular
render as aligned columns in text mode and as rows in CSV mode:

	format, err := cli.ParseOutputFormat(flagValue)
	if err != nil {
		return err
	}
	return cli.NewFormatter(format).FormatTo(os.Stdout, result)

Exit Codes:

ExitCode maps an error to the process exit status. A spent quota exits with
ExitLimitExceeded so scripts can tell it apart from a failure.

Signal Handling:

For graceful shutdown on SIGINT/SIGTERM:

	ctx, stop := cli.SetupSignalHandler(context.Background())
	defer stop()
*/
package cli
