package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"pinboard/server/internal/cloudinary"
	"pinboard/server/internal/model"

	"github.com/spf13/cobra"
)

var (
	uploadFolder      string
	uploadDescription string
	uploadCategory    string
	uploadHashtags    []string
	uploadAvatar      bool
)

var uploadCmd = &cobra.Command{
	Use:   "upload [image]",
	Short: "Upload an image as a new pin or as your profile picture",
	Long: `Uploads an image to Cloudinary with a signature issued by the backend, then
either creates a pin or, with --avatar, sets it as the profile picture of the
signed-in user. Without --category the first category from the backend is used.`,
	Args: cobra.ExactArgs(1),
	RunE: runUpload,
}

func init() {
	uploadCmd.Flags().StringVar(&uploadFolder, "folder", "", "Cloudinary folder (backend default when empty)")
	uploadCmd.Flags().StringVarP(&uploadDescription, "description", "d", "", "Pin description")
	uploadCmd.Flags().StringVar(&uploadCategory, "category", "", "Category id (first category when empty)")
	uploadCmd.Flags().StringSliceVar(&uploadHashtags, "hashtag", nil, "Hashtag (repeatable)")
	uploadCmd.Flags().BoolVar(&uploadAvatar, "avatar", false, "Use the image as profile picture")
}

func runUpload(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := commandContext()
	defer cancel()

	if err := a.session.Bootstrap(ctx); err != nil {
		return err
	}
	user := a.session.Snapshot().User
	if uploadAvatar && user == nil {
		return errors.New("sign in before changing the profile picture")
	}

	category := uploadCategory
	if !uploadAvatar && category == "" {
		cats, err := a.client.Categories(ctx)
		if err != nil {
			return err
		}
		if len(cats) == 0 {
			return errors.New("no categories available, pass --category")
		}
		category = cats[0].ID
	}

	sig, err := a.client.UploadSignature(ctx, uploadFolder)
	if err != nil {
		return err
	}
	res, err := cloudinary.NewUploader(cfg.Cloudinary, logger).Upload(ctx, sig, filepath.Base(args[0]), f)
	if err != nil {
		return err
	}

	if uploadAvatar {
		updated, err := a.client.SetProfilePicture(ctx, user.ID, res.PublicID)
		if err != nil {
			return err
		}
		if updated != nil && updated.ProfilePicture != "" {
			merged := mergeProfile(user, model.ProfilePatch{}, updated)
			if err := a.session.SetAuth(ctx, merged, a.session.Snapshot().Token); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Profile picture updated: %s\n", res.SecureURL)
		return nil
	}

	pin, err := a.client.CreatePin(ctx, model.NewPin{
		Image:       res.SecureURL,
		Description: uploadDescription,
		CategoryID:  category,
		Hashtags:    uploadHashtags,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pin %s created: %s\n", pin.ID, res.SecureURL)
	return nil
}
