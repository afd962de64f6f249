package cli

import (
	"github.com/spf13/cobra"

	"chanpost/internal/channels"
	logx "chanpost/pkg/logx"
)

func (a *App) addCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Append a channel to a channel file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.addChannel(file)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "channel file (.json)")
	return cmd
}

func (a *App) addChannel(file string) error {
	var err error
	if file == "" {
		if file, err = a.promptFile("Enter the channel file name"); err != nil {
			return err
		}
	} else {
		file = a.resolve(file)
	}

	store, err := channels.Open(file)
	if err != nil {
		return NewCLIError("cannot load channel file", "Check the file name and its JSON", err)
	}

	name, err := promptString(a.in, a.out, "Channel name")
	if err != nil {
		return err
	}
	id, err := promptUint(a.in, a.out, "Channel ID")
	if err != nil {
		return err
	}
	msg, err := promptRaw(a.in, a.out, `Message (use \n for a line break)`)
	if err != nil {
		return err
	}
	chance, err := promptChance(a.in, a.out, "Chance to send (0-100)")
	if err != nil {
		return err
	}

	rec, err := channels.NewRecord(a.settings.API(), name, id, channels.UnescapeMessage(msg), chance)
	if err != nil {
		return NewCLIError("invalid channel", "Channel name must not be empty", err)
	}
	if _, err := store.Append(rec); err != nil {
		return NewCLIError("cannot save channel file", "", err)
	}
	a.log.Info("added channel",
		logx.String("channel", rec.Name),
		logx.Uint64("channel_id", rec.ChannelID),
		logx.Int("chance", rec.Chance),
		logx.String("file", store.Path()),
	)
	return nil
}
