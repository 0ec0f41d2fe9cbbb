package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pders01/storyline/internal/api"
	"github.com/pders01/storyline/internal/app"
	"github.com/pders01/storyline/internal/media"
	"github.com/pders01/storyline/internal/validation"
)

var storiesCmd = &cobra.Command{
	Use:   "stories",
	Short: "List stories, from the network when possible",
	RunE: func(cmd *cobra.Command, args []string) error {
		page, _ := cmd.Flags().GetInt("page")
		size, _ := cmd.Flags().GetInt("size")
		location, _ := cmd.Flags().GetBool("location")

		return withController(cmd, func(ctx context.Context, ctl *app.Controller) error {
			list, err := ctl.Stories(ctx, api.ListQuery{Page: page, Size: size, Location: location})
			if errors.Is(err, api.ErrNoData) {
				fmt.Fprintln(cmd.OutOrStdout(), warnStyle.Render("Offline and nothing cached yet."))
				return nil
			}
			if err != nil {
				return err
			}
			printStories(cmd.OutOrStdout(), list)
			return nil
		})
	},
}

var storyCmd = &cobra.Command{
	Use:   "story <id>",
	Short: "Show one story",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(cmd, func(ctx context.Context, ctl *app.Controller) error {
			res, err := ctl.Story(ctx, args[0])
			if err != nil {
				return err
			}
			printStory(cmd.OutOrStdout(), res.Story)
			fmt.Fprintf(cmd.OutOrStdout(), "\nfrom %s\n", sourceLabel(res.Source))
			return nil
		})
	},
}

var postCmd = &cobra.Command{
	Use:   "post",
	Short: "Post a story; it is queued when offline",
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")
		if description == "" {
			return fmt.Errorf("--description is required")
		}
		in := app.NewStory{Description: description}

		if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon") {
			if !cmd.Flags().Changed("lat") || !cmd.Flags().Changed("lon") {
				return fmt.Errorf("--lat and --lon must be given together")
			}
			lat, _ := cmd.Flags().GetFloat64("lat")
			lon, _ := cmd.Flags().GetFloat64("lon")
			if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
				return fmt.Errorf("coordinates out of range: %g, %g", lat, lon)
			}
			in.Lat, in.Lon = &lat, &lon
		}

		if photoPath, _ := cmd.Flags().GetString("photo"); photoPath != "" {
			photo, err := readPhoto(photoPath)
			if err != nil {
				return err
			}
			in.Photo = photo
		}

		return withController(cmd, func(ctx context.Context, ctl *app.Controller) error {
			res, err := ctl.PostStory(ctx, in)
			var attachErr *validation.AttachmentError
			if errors.As(err, &attachErr) {
				return fmt.Errorf("photo rejected: %s", attachErr.Result.Message)
			}
			if err != nil {
				return err
			}
			if res.Queued {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (outbox #%d); it will be sent when you are back online.\n", warnStyle.Render(res.Message), res.ID)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render(res.Message))
			return nil
		})
	},
}

// readPhoto loads a photo from disk and works out its content type.
func readPhoto(path string) (*app.Photo, error) {
	validated, err := validation.NewPermissivePathHandler().PhotoFile(path)
	if err != nil {
		return nil, fmt.Errorf("photo path: %w", err)
	}
	data, err := os.ReadFile(validated)
	if err != nil {
		return nil, fmt.Errorf("reading photo: %w", err)
	}
	detector, err := media.NewTypeDetector()
	if err != nil {
		return nil, err
	}
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	name := filepath.Base(validated)
	ct := detector.ContentType(name, "", head)
	if detector.DetectType(name) == media.TypeUnknown && !detector.Known(ct) {
		return nil, fmt.Errorf("%s is not a supported image (got %s)", name, ct)
	}
	return &app.Photo{Name: name, Type: ct, Data: data}, nil
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and keep the session on this device",
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		password, err := passwordFlag(cmd)
		if err != nil {
			return err
		}
		return withController(cmd, func(ctx context.Context, ctl *app.Controller) error {
			st, err := ctl.Login(ctx, email, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", titleStyle.Render(st.Name))
			return nil
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(cmd, func(ctx context.Context, ctl *app.Controller) error {
			if err := ctl.Logout(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
			return nil
		})
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		email, _ := cmd.Flags().GetString("email")
		password, err := passwordFlag(cmd)
		if err != nil {
			return err
		}
		return withController(cmd, func(ctx context.Context, ctl *app.Controller) error {
			if err := ctl.Register(ctx, name, email, password); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Account created; sign in with storyline login.")
			return nil
		})
	},
}

// passwordFlag reads --password, or the first line of stdin for "-".
func passwordFlag(cmd *cobra.Command) (string, error) {
	password, _ := cmd.Flags().GetString("password")
	if password != "-" {
		return password, nil
	}
	data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 4096))
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	for i, b := range data {
		if b == '\n' || b == '\r' {
			data = data[:i]
			break
		}
	}
	return string(data), nil
}

func init() {
	storiesCmd.Flags().Int("page", 0, "Page to fetch")
	storiesCmd.Flags().Int("size", 0, "Stories per page")
	storiesCmd.Flags().Bool("location", false, "Only stories with a location")

	postCmd.Flags().StringP("description", "d", "", "Story text")
	postCmd.Flags().String("photo", "", "Path to a photo (max 1 MB)")
	postCmd.Flags().Float64("lat", 0, "Latitude")
	postCmd.Flags().Float64("lon", 0, "Longitude")

	loginCmd.Flags().String("email", "", "Account email")
	loginCmd.Flags().String("password", "-", `Password, or "-" to read it from stdin`)
	_ = loginCmd.MarkFlagRequired("email")

	registerCmd.Flags().String("name", "", "Display name")
	registerCmd.Flags().String("email", "", "Account email")
	registerCmd.Flags().String("password", "-", `Password, or "-" to read it from stdin`)
	_ = registerCmd.MarkFlagRequired("name")
	_ = registerCmd.MarkFlagRequired("email")

	rootCmd.AddCommand(storiesCmd, storyCmd, postCmd, loginCmd, logoutCmd, registerCmd)
}
